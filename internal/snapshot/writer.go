package snapshot

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Writer saves snapshots in the background. Save never blocks; when writes
// pile up only the latest set of entries is written.
type Writer struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	pending []Entry
	dirty   bool
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewWriter starts a Writer for path.
func NewWriter(path string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		path:   path,
		logger: logger.With("module", "snapshot"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Save queues entries for writing.
func (w *Writer) Save(entries []Entry) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	defer w.mu.Unlock()
	w.pending = append([]Entry(nil), entries...)
	w.dirty = true

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close flushes the pending write and stops the Writer.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.wake)
	w.mu.Unlock()

	<-w.done
}

func (w *Writer) loop() {
	defer close(w.done)
	for range w.wake {
		w.flush()
	}
	w.flush()
}

func (w *Writer) flush() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	entries := w.pending
	w.dirty = false
	w.mu.Unlock()

	if err := Write(w.path, entries); err != nil {
		w.logger.Error("failed to write snapshot", "path", w.path, "err", err)
		return
	}
	w.logger.Debug("snapshot written", "path", w.path, "repositories", len(entries))
}

// Schedule registers a job on c that saves source() through w every interval.
func Schedule(c *cron.Cron, interval time.Duration, source func() []Entry, w *Writer) cron.EntryID {
	return c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		w.Save(source())
	}))
}
