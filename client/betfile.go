package client

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
)

// BetReader streams bets from an agency CSV with the columns
// first_name,last_name,document,birthdate,number. Records that cannot be
// turned into a valid bet are logged and skipped.
type BetReader struct {
	agency  uint32
	csv     *csv.Reader
	closer  io.Closer
	logger  pslog.Logger
	line    int
	skipped int
	done    bool
}

// NewBetReader reads bets for agency from r.
func NewBetReader(r io.Reader, agency uint32, logger pslog.Logger) *BetReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	br := &BetReader{
		agency: agency,
		csv:    cr,
		logger: loggingutil.WithSubsystem(logger, "agency.reader"),
	}
	if c, ok := r.(io.Closer); ok {
		br.closer = c
	}
	return br
}

// OpenBetFile opens path for reading. The caller must Close the reader.
func OpenBetFile(path string, agency uint32, logger pslog.Logger) (*BetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("client: open bet file: %w", err)
	}
	return NewBetReader(f, agency, logger), nil
}

// ReadBetFile loads every valid bet in path.
func ReadBetFile(path string, agency uint32, logger pslog.Logger) ([]lottery.Bet, error) {
	r, err := OpenBetFile(path, agency, logger)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []lottery.Bet
	for {
		batch, err := r.Next(MaxBatchBets)
		out = append(out, batch...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Next returns up to n bets. It returns the bets read so far together with
// io.EOF once the input is exhausted; a later call returns no bets and
// io.EOF again.
func (r *BetReader) Next(n int) ([]lottery.Bet, error) {
	if n <= 0 {
		return nil, fmt.Errorf("client: batch size must be > 0")
	}
	if r.done {
		return nil, io.EOF
	}
	bets := make([]lottery.Bet, 0, n)
	for len(bets) < n {
		record, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			return bets, io.EOF
		}
		r.line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				r.skip(nil, err)
				continue
			}
			return bets, fmt.Errorf("client: read bet file: %w", err)
		}
		bet, err := r.parse(record)
		if err != nil {
			r.skip(record, err)
			continue
		}
		bets = append(bets, bet)
	}
	return bets, nil
}

func (r *BetReader) parse(record []string) (lottery.Bet, error) {
	if len(record) < 5 {
		return lottery.Bet{}, fmt.Errorf("expected 5 fields, got %d", len(record))
	}
	doc, err := strconv.ParseUint(strings.TrimSpace(record[2]), 10, 32)
	if err != nil {
		return lottery.Bet{}, fmt.Errorf("document: %w", err)
	}
	number, err := strconv.ParseUint(strings.TrimSpace(record[4]), 10, 32)
	if err != nil {
		return lottery.Bet{}, fmt.Errorf("number: %w", err)
	}
	for _, field := range []string{record[0], record[1], record[3]} {
		if strings.ContainsAny(field, "\x00\r") {
			return lottery.Bet{}, fmt.Errorf("field %q contains NUL or a carriage return", field)
		}
	}
	bet := lottery.NewBet(r.agency, record[0], record[1], uint32(doc), record[3], uint32(number))
	if err := bet.Validate(); err != nil {
		return lottery.Bet{}, err
	}
	return bet, nil
}

func (r *BetReader) skip(record []string, err error) {
	r.skipped++
	r.logger.Warn("agency.reader.skip",
		"line", r.line,
		"fields", len(record),
		"error", err,
	)
}

// Skipped returns how many records were rejected so far.
func (r *BetReader) Skipped() int { return r.skipped }

// Close releases the underlying file, if any.
func (r *BetReader) Close() error {
	r.done = true
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
