// Package signals turns files dropped into a directory into job cancel
// requests. `researcher cancel` writes <job_id>.cancel; a running server
// cancels the job and removes the file.
package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	cancelSuffix = ".cancel"

	// DefaultPollInterval is used when the file watcher cannot start.
	DefaultPollInterval = 2 * time.Second
)

var errPollingForced = errors.New("polling forced")

// Handler acts on a cancel signal for jobID.
type Handler func(ctx context.Context, jobID string) error

// Watcher watches a signal directory.
type Watcher struct {
	dir       string
	handle    Handler
	logger    *slog.Logger
	interval  time.Duration
	forcePoll bool

	polling atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithPollInterval sets the polling fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithPolling skips fsnotify and polls from the start.
func WithPolling() Option {
	return func(w *Watcher) { w.forcePoll = true }
}

// NewWatcher creates the signal directory if needed and returns a stopped
// watcher.
func NewWatcher(dir string, handle Handler, opts ...Option) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal dir: %w", err)
	}
	w := &Watcher{
		dir:      dir,
		handle:   handle,
		logger:   slog.Default(),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches until ctx is done or Close is called. Signals already in
// the directory are handled first.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	fw, err := w.newFSWatcher()
	if err != nil {
		w.polling.Store(true)
		w.logger.Warn("file watcher unavailable, polling for cancel signals",
			"dir", w.dir, "interval", w.interval, "error", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if fw == nil {
			w.poll(ctx)
			return
		}
		defer fw.Close()
		w.scan(ctx)
		w.watch(ctx, fw)
	}()
}

// Polling reports whether the watcher fell back to polling.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Close stops the watcher and waits for it to exit.
func (w *Watcher) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) newFSWatcher() (*fsnotify.Watcher, error) {
	if w.forcePoll {
		return nil, errPollingForced
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return nil, err
	}
	return fw, nil
}

func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.process(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("signal watcher error", "error", err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to read signal dir", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.process(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

// process handles one signal file and removes it. A file that is already
// gone was handled by an earlier event.
func (w *Watcher) process(ctx context.Context, path string) {
	jobID, ok := jobIDFromName(filepath.Base(path))
	if !ok {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	if err := w.handle(ctx, jobID); err != nil {
		w.logger.Warn("cancel signal not applied", "job_id", jobID, "error", err)
	} else {
		w.logger.Info("cancel signal applied", "job_id", jobID)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to remove signal file", "path", path, "error", err)
	}
}

func jobIDFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, cancelSuffix) || strings.HasPrefix(name, ".") {
		return "", false
	}
	id := strings.TrimSuffix(name, cancelSuffix)
	return id, id != ""
}

// SendCancel drops a cancel signal for jobID into dir. The file is written
// under a temporary name and renamed so watchers never see it half written.
func SendCancel(dir, jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.HasPrefix(jobID, ".") {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create signal dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".signal-*")
	if err != nil {
		return "", fmt.Errorf("create signal file: %w", err)
	}
	if _, err := tmp.WriteString(time.Now().UTC().Format(time.RFC3339)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write signal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close signal file: %w", err)
	}
	path := filepath.Join(dir, jobID+cancelSuffix)
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("place signal file: %w", err)
	}
	return path, nil
}
