// Package disk appends bets to a single CSV file on the local filesystem.
package disk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/lotteryd/internal/betstore"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/pslog"
)

// DefaultFileName is used when Config.Path names a directory.
const DefaultFileName = "bets.csv"

// Config captures the tunables for the disk backend.
type Config struct {
	// Path is the CSV file, or a directory that will hold DefaultFileName.
	Path string
	// NoSync skips fsync after each batch. Only for tests.
	NoSync bool
	Logger pslog.Logger
}

// appendFile is the part of *os.File used to append and roll back batches.
type appendFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// Store implements betstore.Store on an append-only CSV file. The file is
// held under an exclusive advisory lock so two servers cannot interleave
// writes to it.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	out    appendFile
	noSync bool
	logger pslog.Logger
	closed bool
}

// New opens or creates the bet file.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("disk: path required")
	}
	path := filepath.Clean(cfg.Path)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %q: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock %q: %w", path, err)
	}
	return &Store{
		path:   path,
		file:   f,
		out:    f,
		noSync: cfg.NoSync,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.disk"),
	}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// StoreBets appends one CSV record per bet and syncs the file. A failed
// write or sync truncates the file back to its previous size so a torn
// record never reaches the next batch.
func (s *Store) StoreBets(ctx context.Context, bets []lottery.Bet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := betstore.WriteCSV(&buf, bets); err != nil {
		return fmt.Errorf("disk: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return betstore.ErrClosed
	}
	info, err := s.out.Stat()
	if err != nil {
		return fmt.Errorf("disk: stat: %w", err)
	}
	size := info.Size()
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return s.rollback(size, fmt.Errorf("disk: append: %w", err))
	}
	if s.noSync {
		return nil
	}
	if err := s.out.Sync(); err != nil {
		return s.rollback(size, fmt.Errorf("disk: sync: %w", err))
	}
	return nil
}

func (s *Store) rollback(size int64, cause error) error {
	if err := s.out.Truncate(size); err != nil {
		s.logger.Error("disk.rollback.failed", "path", s.path, "size", size, "error", err)
		return errors.Join(cause, fmt.Errorf("disk: truncate: %w", err))
	}
	s.logger.Warn("disk.append.rolled_back", "path", s.path, "size", size, "error", cause)
	return cause
}

// LoadBets reads the whole file from the start.
func (s *Store) LoadBets(ctx context.Context) ([]lottery.Bet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, betstore.ErrClosed
	}
	bets, err := betstore.ReadCSV(io.NewSectionReader(s.file, 0, 1<<62))
	if err != nil {
		return nil, fmt.Errorf("disk: %s: %w", s.path, err)
	}
	s.logger.Debug("disk.load.complete", "path", s.path, "bets", len(bets))
	return bets, nil
}

// Close releases the lock and the file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(unlockFile(s.file), s.file.Close())
}
