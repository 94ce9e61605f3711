// Package tracelog mirrors accepted EVE payloads to a local JSONL file, one
// record per line, for offline replay and rule development. The mirror is
// best-effort: it must never fail or slow down an ingest request.
package tracelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"minewatch/internal/config"
	"minewatch/internal/schema"
)

// Writer appends raw payloads to the trace log asynchronously.
type Writer struct {
	cfg      config.TraceLogConfig
	logger   *slog.Logger
	archiver *Archiver

	ch   chan schema.RawPayload
	done chan struct{}
	wg   sync.WaitGroup

	file        *os.File
	size        int64
	lastRotate  time.Time
	written     atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

// NewWriter opens the trace log and starts the append loop. The archiver is
// optional; when set, rotated files are shipped to S3.
func NewWriter(cfg config.TraceLogConfig, archiver *Archiver, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("tracelog: create directory: %w", err)
	}

	w := &Writer{
		cfg:        cfg,
		logger:     logger,
		archiver:   archiver,
		ch:         make(chan schema.RawPayload, cfg.BufferSize),
		done:       make(chan struct{}),
		lastRotate: time.Now(),
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go w.run()

	logger.Info("trace log started", "path", cfg.Path, "buffer", cfg.BufferSize)
	return w, nil
}

// Record enqueues payloads for the mirror. When the buffer is full the
// payloads are dropped and counted, never blocking the caller.
func (w *Writer) Record(events []schema.RawPayload) {
	for _, ev := range events {
		select {
		case w.ch <- ev:
		default:
			w.dropped.Add(1)
		}
	}
}

// Stats reports written and dropped record counts.
func (w *Writer) Stats() (written, dropped uint64) {
	return w.written.Load(), w.dropped.Load()
}

func (w *Writer) openFile() error {
	f, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("tracelog: open %s: %w", w.cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("tracelog: stat %s: %w", w.cfg.Path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case ev := <-w.ch:
			w.append(ev)
		case <-ticker.C:
			w.maybeRotate()
		case <-w.done:
			// Drain pending records before closing.
			for {
				select {
				case ev := <-w.ch:
					w.append(ev)
				default:
					w.file.Close()
					return
				}
			}
		}
	}
}

func (w *Writer) append(ev schema.RawPayload) {
	line, err := json.Marshal(ev)
	if err != nil {
		w.writeErrors.Add(1)
		return
	}
	line = append(line, '\n')

	n, err := w.file.Write(line)
	if err != nil {
		w.writeErrors.Add(1)
		w.logger.Warn("trace log write failed", "error", err)
		return
	}
	w.size += int64(n)
	w.written.Add(1)

	if w.cfg.Archive.RotateBytes > 0 && w.size >= w.cfg.Archive.RotateBytes {
		w.rotate()
	}
}

func (w *Writer) maybeRotate() {
	if w.cfg.Archive.RotateInterval <= 0 || w.size == 0 {
		return
	}
	if time.Since(w.lastRotate) >= w.cfg.Archive.RotateInterval {
		w.rotate()
	}
}

func (w *Writer) rotate() {
	rotated := fmt.Sprintf("%s.%s", w.cfg.Path, time.Now().UTC().Format("20060102T150405"))

	w.file.Close()
	if err := os.Rename(w.cfg.Path, rotated); err != nil {
		w.logger.Error("trace log rotation failed", "error", err)
		// Reopen the original and keep appending.
		if err := w.openFile(); err != nil {
			w.logger.Error("trace log reopen failed", "error", err)
		}
		return
	}

	if err := w.openFile(); err != nil {
		w.logger.Error("trace log reopen failed", "error", err)
		return
	}
	w.lastRotate = time.Now()

	if w.archiver != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := w.archiver.ArchiveFile(ctx, rotated); err != nil {
				w.logger.Error("trace log archival failed", "error", err, "file", rotated)
			}
		}()
	}
}

// Close drains pending records and closes the file.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
