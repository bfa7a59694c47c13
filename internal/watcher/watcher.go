// Package watcher observes the workspace filesystem between poll cycles:
// append-only JSONL feeds, mailbox drops, and free-form log files. Changes
// settle for a short window before reading so half-written lines are not
// parsed.
package watcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/gtwatch/internal/model"
	"github.com/steveyegge/gtwatch/internal/state"
)

// settleWindow is how long a changed file must stay quiet before it is read.
const settleWindow = 100 * time.Millisecond

// previewLen caps the mail preview pushed with a mailbox drop.
const previewLen = 100

// skippedDirs are never watched or descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".gtwatch":     true,
}

// pathMeta derives the owning rig and agent from a workspace-relative path.
// The town-level mayor directory reports under the hq pseudo-rig.
func pathMeta(root, path string) (rig, agent string) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if parts[0] == "mayor" {
		return "hq", "mayor"
	}
	rig = parts[0]
	if len(parts) < 2 {
		return rig, ""
	}
	switch parts[1] {
	case "witness", "refinery":
		agent = parts[1]
	case "crew", "polecats":
		if len(parts) >= 3 {
			agent = parts[2]
		}
	}
	return rig, agent
}

// FileWatcher follows the append-only JSONL feeds and mailbox directories
// under the workspace root. It keeps a per-path line count; only lines past
// the count are parsed, so re-reads never duplicate events.
type FileWatcher struct {
	state  *state.Manager
	logger *slog.Logger
	root   string

	fw *fsnotify.Watcher

	// mu guards lineCounts, seen, and the settle timers. File reads happen
	// on the run goroutine only.
	mu         sync.Mutex
	lineCounts map[string]int
	seen       map[string]bool
	timers     map[string]*time.Timer

	signals  chan string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher creates a watcher over the workspace rooted at root.
func NewFileWatcher(root string, st *state.Manager, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		state:      st,
		logger:     logger,
		root:       root,
		lineCounts: map[string]int{},
		seen:       map[string]bool{},
		timers:     map[string]*time.Timer{},
		signals:    make(chan string, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start walks the tree, records baselines for existing feed files, and
// begins watching. Existing content is not replayed; only appends after
// start flow into the event stream.
func (w *FileWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	w.addTree(w.root)

	go w.run(ctx)
	return nil
}

// Stop terminates the watch loop.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// addTree watches dir and every subdirectory, baselining any feed files
// already present.
func (w *FileWatcher) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			if err := w.fw.Add(path); err != nil {
				w.logger.Debug("watch add failed", "path", path, "error", err)
			}
			return nil
		}
		if w.interesting(path) {
			w.baseline(path)
		}
		return nil
	})
}

// interesting reports whether path is one of the watched feed shapes.
func (w *FileWatcher) interesting(path string) bool {
	slash := filepath.ToSlash(path)
	base := filepath.Base(path)
	switch {
	case base == ".events.jsonl", base == ".feed.jsonl":
		return true
	case strings.HasSuffix(slash, "/.beads/issues.jsonl"):
		return true
	case strings.Contains(slash, "/mail/"):
		return true
	}
	return false
}

// baseline records the current line count so pre-existing content is not
// replayed on the first change.
func (w *FileWatcher) baseline(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.lineCounts[path] = countLines(data)
	w.seen[path] = true
	w.mu.Unlock()
}

func (w *FileWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case path := <-w.signals:
			w.handle(path)
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
					continue
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.interesting(event.Name) {
				continue
			}
			w.settle(event.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// settle (re)arms the per-path stability timer; the path is read only after
// staying quiet for the settle window.
func (w *FileWatcher) settle(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(settleWindow, func() {
		select {
		case w.signals <- path:
		case <-w.stop:
		}
	})
}

func (w *FileWatcher) handle(path string) {
	w.mu.Lock()
	known := w.seen[path]
	w.seen[path] = true
	w.mu.Unlock()

	if strings.Contains(filepath.ToSlash(path), "/mail/") {
		if !known {
			w.handleMailAdd(path)
		}
		return
	}
	w.handleAppend(path)
}

// handleMailAdd pushes a mail record for a newly dropped mailbox file.
func (w *FileWatcher) handleMailAdd(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	preview := string(data)
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	rig, agent := pathMeta(w.root, path)
	mail := model.Mail{
		Rig:     rig,
		To:      agent,
		Preview: preview,
		Path:    path,
	}
	// Structured mail carries the sender; plain drops keep the raw preview.
	var parsed struct {
		From string `json:"from"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		mail.From = parsed.From
	}
	w.state.AddMail(mail)
}

// handleAppend reads lines past the recorded count and pushes each parsed
// JSON object as an event.
func (w *FileWatcher) handleAppend(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := splitLines(data)

	w.mu.Lock()
	start := w.lineCounts[path]
	if start > len(lines) {
		// Truncated or rewritten: start over.
		start = 0
	}
	w.lineCounts[path] = len(lines)
	w.mu.Unlock()

	rig, agent := pathMeta(w.root, path)
	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		w.state.AddEvent(eventFromObject(obj, rig, agent))
	}
}

// eventFromObject maps one feed object onto the event stream.
func eventFromObject(obj map[string]any, rig, agent string) model.Event {
	ev := model.Event{Type: "event", Rig: rig, Agent: agent, Data: obj}
	if t, ok := obj["type"].(string); ok && t != "" {
		ev.Type = t
	}
	if m, ok := obj["message"].(string); ok {
		ev.Message = m
	} else if c, ok := obj["content"].(string); ok {
		ev.Message = c
	}
	if a, ok := obj["agent"].(string); ok && a != "" {
		ev.Agent = a
	}
	if ts, ok := obj["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.Timestamp = parsed
		}
	}
	return ev
}

func countLines(data []byte) int {
	return len(splitLines(data))
}

// splitLines splits on newline, dropping a trailing empty fragment so an
// append-only file's line count matches the written lines.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
