// Package util provides utility functions used throughout Framecast.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	logBaseName    = "framecast"
	logExt         = ".log"
	compressedExt  = ".log.zst"
	rotatedTimeFmt = "2006-01-02T15-04-05"

	// LogFileName is the active log file inside the log directory.
	LogFileName = logBaseName + logExt
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
	}
}

var (
	logFileMu sync.Mutex
	logFile   *RotatingFile
)

// InitLogger initializes the zerolog global logger with file and console output.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	file, err := OpenRotatingFile(cfg.Directory, int64(cfg.MaxSizeMB)*1024*1024, cfg.MaxBackups)
	if err != nil {
		return err
	}

	// File output is JSON for machine parsing; the console gets the
	// human-readable form.
	writers := []io.Writer{file}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "framecast").
		Caller().
		Logger()

	logFileMu.Lock()
	prev := logFile
	logFile = file
	logFileMu.Unlock()
	if prev != nil {
		prev.Close()
	}

	log.Info().
		Str("level", level.String()).
		Str("log_file", file.Path()).
		Msg("logger initialized")
	return nil
}

// CloseLogger flushes and closes the log file opened by InitLogger.
func CloseLogger() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// RotatingFile is an append-only log file that is rolled over once it
// exceeds a size limit. Rolled files are compressed with zstd and at most
// maxBackups of them are kept.
type RotatingFile struct {
	mu         sync.Mutex
	dir        string
	maxBytes   int64
	maxBackups int
	file       *os.File
	size       int64
	now        func() time.Time
	wg         sync.WaitGroup
}

// OpenRotatingFile opens (or creates) framecast.log in dir. maxBytes <= 0
// disables rotation.
func OpenRotatingFile(dir string, maxBytes int64, maxBackups int) (*RotatingFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	r := &RotatingFile{
		dir:        dir,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		now:        time.Now,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the active log file.
func (r *RotatingFile) Path() string {
	return filepath.Join(r.dir, logBaseName+logExt)
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", r.Path(), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push the file past the limit.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate rolls the file over immediately.
func (r *RotatingFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	return r.rotateLocked()
}

func (r *RotatingFile) rotateLocked() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	r.file = nil

	rolled := filepath.Join(r.dir, fmt.Sprintf("%s_%s%s", logBaseName, r.now().Format(rotatedTimeFmt), logExt))
	if err := os.Rename(r.Path(), rolled); err != nil {
		return fmt.Errorf("failed to roll log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := compressFile(rolled); err != nil {
			fmt.Fprintf(os.Stderr, "log compression failed: %v\n", err)
		}
		cleanOldLogs(r.dir, r.maxBackups)
	}()
	return nil
}

// Close closes the active file and waits for pending compressions.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	return err
}

// compressFile replaces path with path.zst.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := strings.TrimSuffix(path, logExt) + compressedExt
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(dstPath)
		return err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

// cleanOldLogs removes rolled log files beyond the retention limit, oldest
// first. The active file is never touched.
func cleanOldLogs(directory string, maxBackups int) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	type rolledFile struct {
		name    string
		modTime time.Time
	}
	var rolled []rolledFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == logBaseName+logExt || !strings.HasPrefix(name, logBaseName+"_") {
			continue
		}
		if !strings.HasSuffix(name, logExt) && !strings.HasSuffix(name, compressedExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		rolled = append(rolled, rolledFile{name: name, modTime: info.ModTime()})
	}

	if len(rolled) <= maxBackups {
		return
	}

	sort.Slice(rolled, func(i, j int) bool {
		if rolled[i].modTime.Equal(rolled[j].modTime) {
			return rolled[i].name < rolled[j].name
		}
		return rolled[i].modTime.Before(rolled[j].modTime)
	})
	for i := 0; i < len(rolled)-maxBackups; i++ {
		path := filepath.Join(directory, rolled[i].name)
		os.Remove(path)
		log.Debug().Str("file", path).Msg("removed old log file")
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
