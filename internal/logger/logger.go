package logger

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arnisz/UniversalPressureController/internal/events"
)

// Logger records controller events to CSV files with automatic rotation.
type Logger struct {
	mu            sync.Mutex
	dir           string
	enabled       bool
	communication bool
	maxRows       int

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int
	now    func() time.Time
}

// Config holds logger configuration.
type Config struct {
	Enabled       bool
	Path          string
	Communication bool // also record raw bus traffic
	MaxRows       int
}

const defaultMaxRows = 100_000

var csvHeader = []string{"timestamp", "kind", "source", "text"}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/pressurectl"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:           cfg.Path,
		enabled:       cfg.Enabled,
		communication: cfg.Communication,
		maxRows:       cfg.MaxRows,
		now:           time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetCommunication toggles recording of bus traffic.
func (l *Logger) SetCommunication(on bool) {
	l.mu.Lock()
	l.communication = on
	l.mu.Unlock()
}

// IsCommunication returns whether bus traffic is recorded.
func (l *Logger) IsCommunication() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.communication
}

// Run records every event published on the hub until ctx is done.
func (l *Logger) Run(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(256)
	defer cancel()
	defer l.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			l.Record(e)
		}
	}
}

// Record writes one event. Bus traffic is dropped unless communication
// logging is on; bus errors are always kept.
func (l *Logger) Record(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if e.Source == events.SourceBus && e.Kind != events.KindError && !l.communication {
		return
	}

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(l.now()); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	ts := e.Time
	if ts.IsZero() {
		ts = l.now()
	}
	row := []string{ts.Format(time.RFC3339Nano), string(e.Kind), string(e.Source), e.Text}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.seq++
	filename := fmt.Sprintf("pressurectl_%s_%03d.csv", now.Format("2006-01-02_150405"), l.seq)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	// Write header
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
