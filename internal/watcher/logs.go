package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/gtwatch/internal/parse"
	"github.com/steveyegge/gtwatch/internal/state"
)

// replayLines is how much trailing context a newly discovered log file
// contributes to the stream.
const replayLines = 50

// LogsWatcher tails .log files under the workspace by byte offset. A file
// shrinking below its recorded offset is treated as rotation and re-read
// from the start.
type LogsWatcher struct {
	state  *state.Manager
	logger *slog.Logger
	root   string

	fw *fsnotify.Watcher

	mu      sync.Mutex
	offsets map[string]int64
	timers  map[string]*time.Timer

	signals  chan string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLogsWatcher creates a log tailer over the workspace rooted at root.
func NewLogsWatcher(root string, st *state.Manager, logger *slog.Logger) *LogsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogsWatcher{
		state:   st,
		logger:  logger,
		root:    root,
		offsets: map[string]int64{},
		timers:  map[string]*time.Timer{},
		signals: make(chan string, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start discovers existing log files (replaying trailing context for each)
// and begins watching for appends and new files.
func (w *LogsWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	w.addTree(w.root)

	go w.run(ctx)
	return nil
}

// Stop terminates the tail loop.
func (w *LogsWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *LogsWatcher) addTree(dir string) {
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
		if isLogFile(path) {
			w.handleAdd(path)
		}
		return nil
	})
}

func isLogFile(path string) bool {
	return strings.HasSuffix(path, ".log")
}

func (w *LogsWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case path := <-w.signals:
			w.handleChange(path)
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
					continue
				}
				if isLogFile(event.Name) {
					w.handleAdd(event.Name)
				}
				continue
			}
			if !event.Has(fsnotify.Write) || !isLogFile(event.Name) {
				continue
			}
			w.settle(event.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("logs watcher error", "error", err)
		}
	}
}

func (w *LogsWatcher) settle(path string) {
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

// handleAdd starts tailing at the file's current end and replays the
// trailing lines for context.
func (w *LogsWatcher) handleAdd(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	if _, known := w.offsets[path]; known {
		w.mu.Unlock()
		return
	}
	w.offsets[path] = int64(len(data))
	w.mu.Unlock()

	lines := splitLines(data)
	if len(lines) > replayLines {
		lines = lines[len(lines)-replayLines:]
	}
	w.emit(path, lines)
}

// handleChange reads the delta past the recorded offset. A size below the
// offset means the file rotated; the offset resets to zero first.
func (w *LogsWatcher) handleChange(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	size := int64(len(data))

	w.mu.Lock()
	offset, known := w.offsets[path]
	if !known {
		w.mu.Unlock()
		w.handleAdd(path)
		return
	}
	if size < offset {
		offset = 0
	}
	w.offsets[path] = size
	w.mu.Unlock()

	if size <= offset {
		return
	}
	w.emit(path, splitLines(data[offset:]))
}

// emit parses each line and pushes it with identity derived from the path.
func (w *LogsWatcher) emit(path string, lines []string) {
	rig, agent := pathMeta(w.root, path)
	logType := strings.TrimSuffix(filepath.Base(path), ".log")
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry := parse.ParseLogLine(line)
		entry.Rig = rig
		entry.Agent = agent
		entry.LogType = logType
		entry.Source = path
		w.state.AddLog(entry)
	}
}
