// Package gtcmd runs the gt and bd CLIs for the watcher. All invocations
// are argv-only with per-call deadlines; no shell is ever spawned, and any
// identifier substituted into an argument list must pass the whitelist
// first.
package gtcmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"
)

// Per-call deadlines. List commands walk every rig and get more headroom.
const (
	DefaultTimeout = 5 * time.Second
	ListTimeout    = 10 * time.Second
)

var (
	identRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	pathRe  = regexp.MustCompile(`^[A-Za-z0-9_\-./]+$`)

	resolvedGtPath = resolvePath("gt")
	resolvedBdPath = resolvePath("bd")
)

// resolvePath finds a binary, preferring ~/.local/bin over system PATH.
func resolvePath(name string) string {
	if home, err := os.UserHomeDir(); err == nil {
		local := filepath.Join(home, ".local", "bin", name)
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return name
	}
	return path
}

// ValidIdentifier reports whether s is safe to substitute into an argument
// list as a rig or agent name.
func ValidIdentifier(s string) bool {
	return s != "" && identRe.MatchString(s)
}

// ValidPath reports whether s is safe to substitute as a path argument.
func ValidPath(s string) bool {
	return s != "" && pathRe.MatchString(s)
}

// Runner executes gt/bd commands. The zero value is not usable; call New.
type Runner struct {
	gtPath string
	bdPath string
}

// New creates a runner using the resolved binary paths.
func New() *Runner {
	return &Runner{gtPath: resolvedGtPath, bdPath: resolvedBdPath}
}

// NewWithPaths creates a runner with explicit binaries, for tests.
func NewWithPaths(gtPath, bdPath string) *Runner {
	return &Runner{gtPath: gtPath, bdPath: bdPath}
}

// Gt runs a gt subcommand and returns its stdout.
func (r *Runner) Gt(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	return r.run(ctx, r.gtPath, "", timeout, args)
}

// Bd runs a bd subcommand and returns its stdout.
func (r *Runner) Bd(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	return r.run(ctx, r.bdPath, "", timeout, args)
}

// BdInDir runs a bd subcommand with the working directory set to dir. Bead
// listings are scoped by the rig directory they run from.
func (r *Runner) BdInDir(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	return r.run(ctx, r.bdPath, dir, timeout, args)
}

func (r *Runner) run(ctx context.Context, bin, dir string, timeout time.Duration, args []string) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // G204: argv-only, identifiers whitelisted by callers
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%s %v timed out after %s", filepath.Base(bin), args, timeout)
		}
		return "", fmt.Errorf("%s %v: %w (%s)", filepath.Base(bin), args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}

// Ps lists process command lines via ps, argv-only. Callers filter the
// output by substring; nothing from the caller reaches the argument list.
func Ps(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-eo", "args").Output()
	if err != nil {
		return "", fmt.Errorf("listing processes: %w", err)
	}
	return string(out), nil
}

// TmuxSessions lists tmux session names, one per line. A missing or idle
// tmux server yields an empty list, not an error.
func TmuxSessions(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		return "", nil
	}
	return string(out), nil
}
