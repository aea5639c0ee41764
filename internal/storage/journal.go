// Package storage journals routed frames as JSON lines.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrJournalClosed is returned by Write after Close.
var ErrJournalClosed = errors.New("journal closed")

// ErrJournalFull is returned when the write buffer is full and the record was dropped.
var ErrJournalFull = errors.New("journal buffer full")

// FrameRecord is one routed frame.
type FrameRecord struct {
	Time       time.Time `json:"time"`
	Direction  string    `json:"direction"` // "in" from a context, "out" from the coordinator
	Kind       string    `json:"kind"`
	Event      string    `json:"event"`
	SenderKind string    `json:"sender_kind"`
	SenderTab  string    `json:"sender_tab,omitempty"`
	ConnID     string    `json:"conn_id,omitempty"`
	TargetTab  string    `json:"target_tab,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}

// Journal writes records asynchronously to baseDir/<date>/frames.jsonl,
// rotating by size with lumberjack and by UTC date.
type Journal struct {
	baseDir   string
	maxSizeMB int

	writeCh   chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewJournal starts the writer goroutine.
func NewJournal(baseDir string, bufferSize, maxSizeMB int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	j := &Journal{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Write queues a record without blocking.
func (j *Journal) Write(record any) error {
	select {
	case <-j.done:
		return ErrJournalClosed
	default:
	}
	select {
	case j.writeCh <- record:
		return nil
	default:
		slog.Warn("journal buffer full, dropping record")
		return ErrJournalFull
	}
}

// Close stops the writer after flushing queued records.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logger != nil {
		err := j.logger.Close()
		j.logger = nil
		return err
	}
	return nil
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case record := <-j.writeCh:
			j.writeRecord(record)
		case <-j.done:
			j.drain()
			return
		}
	}
}

func (j *Journal) drain() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case record := <-j.writeCh:
			j.writeRecord(record)
		case <-timeout:
			slog.Warn("journal close timeout, some records may be lost")
			return
		default:
			return
		}
	}
}

func (j *Journal) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("journal marshal failed", "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if j.logger == nil || date != j.currentDate {
		if err := j.rotateLocked(date); err != nil {
			slog.Error("journal rotate failed", "error", err)
			return
		}
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err)
	}
}

func (j *Journal) rotateLocked(date string) error {
	if j.logger != nil {
		_ = j.logger.Close()
		j.logger = nil
	}
	dir := filepath.Join(j.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	filename := filepath.Join(dir, "frames.jsonl")
	j.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    j.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	j.currentDate = date
	slog.Info("journal file opened", "file", filename)
	return nil
}
