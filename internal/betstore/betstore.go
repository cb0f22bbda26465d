// Package betstore persists bets. The coordinator appends batches as they
// arrive and bulk-loads everything once, when the draw runs.
package betstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/lotteryd/internal/lottery"
)

// ContentType labels serialized batches in object stores.
const ContentType = "text/csv; charset=utf-8"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("betstore: closed")
	// ErrCorrupt reports a stored record that cannot be decoded.
	ErrCorrupt = errors.New("betstore: corrupt record")
	// ErrInvalidField rejects text a CSV round trip would not preserve.
	ErrInvalidField = errors.New("betstore: field contains a carriage return")
)

// Store is the persistence contract consumed by the coordinator. StoreBets
// must be durable once it returns nil. LoadBets returns every bet stored so
// far in insertion order.
type Store interface {
	StoreBets(ctx context.Context, bets []lottery.Bet) error
	LoadBets(ctx context.Context) ([]lottery.Bet, error)
	Close() error
}

type batchKeyContextKey struct{}

// NewBatchKey returns a time-ordered name for one logical batch.
func NewBatchKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WithBatchKey pins the name a batch is stored under. Retries of the same
// batch carry the same key so object stores overwrite instead of duplicating.
func WithBatchKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, batchKeyContextKey{}, key)
}

// BatchKey returns the key pinned on ctx, or a fresh one.
func BatchKey(ctx context.Context) string {
	if key, ok := ctx.Value(batchKeyContextKey{}).(string); ok && key != "" {
		return key
	}
	return NewBatchKey()
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }

func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// WriteCSV writes bets as agency,first_name,last_name,document,birthdate,number
// records. encoding/csv reads a quoted \r\n back as \n, so fields holding a
// carriage return are rejected with ErrInvalidField before anything is
// written.
func WriteCSV(w io.Writer, bets []lottery.Bet) error {
	records := make([][]string, 0, len(bets))
	for _, b := range bets {
		rec := []string{
			strconv.FormatUint(uint64(b.Agency), 10),
			b.FirstName,
			b.LastName,
			b.Document,
			b.Birthdate,
			b.Number,
		}
		for _, field := range rec[1:] {
			if strings.IndexByte(field, '\r') >= 0 {
				return fmt.Errorf("%w: agency %d document %q", ErrInvalidField, b.Agency, b.Document)
			}
		}
		records = append(records, rec)
	}
	cw := csv.NewWriter(w)
	for _, rec := range records {
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes records produced by WriteCSV.
func ReadCSV(r io.Reader) ([]lottery.Bet, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6
	cr.ReuseRecord = true
	var bets []lottery.Bet
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return bets, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		agency, err := strconv.ParseUint(rec[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: agency %q", ErrCorrupt, rec[0])
		}
		bets = append(bets, lottery.Bet{
			Agency:    uint32(agency),
			FirstName: rec[1],
			LastName:  rec[2],
			Document:  rec[3],
			Birthdate: rec[4],
			Number:    rec[5],
		})
	}
}
