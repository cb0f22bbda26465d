// Package lottery defines the bet entity and the rule that decides winners.
package lottery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultWinningNumber is the number drawn when no other is configured.
const DefaultWinningNumber uint32 = 7574

// ErrInvalidBet reports a bet that cannot be represented on the wire.
var ErrInvalidBet = errors.New("lottery: invalid bet")

// Bet is a single wager. Document and Number hold decimal digits so they
// round-trip through text storage without reformatting.
type Bet struct {
	Agency    uint32
	FirstName string
	LastName  string
	Document  string
	Birthdate string
	Number    string
}

// NewBet builds a Bet from wire-level integers.
func NewBet(agency uint32, first, last string, document uint32, birthdate string, number uint32) Bet {
	return Bet{
		Agency:    agency,
		FirstName: first,
		LastName:  last,
		Document:  strconv.FormatUint(uint64(document), 10),
		Birthdate: birthdate,
		Number:    strconv.FormatUint(uint64(number), 10),
	}
}

// DocumentID parses Document as an unsigned 32-bit id.
func (b Bet) DocumentID() (uint32, error) {
	return parseU32("document", b.Document)
}

// NumberValue parses Number as an unsigned 32-bit value.
func (b Bet) NumberValue() (uint32, error) {
	return parseU32("number", b.Number)
}

// Validate checks that the bet can be encoded: numeric fields fit in 32 bits
// and no string carries a NUL byte.
func (b Bet) Validate() error {
	if _, err := b.DocumentID(); err != nil {
		return err
	}
	if _, err := b.NumberValue(); err != nil {
		return err
	}
	for name, s := range map[string]string{
		"first_name": b.FirstName,
		"last_name":  b.LastName,
		"birthdate":  b.Birthdate,
	} {
		if strings.IndexByte(s, 0) >= 0 {
			return fmt.Errorf("%w: %s contains NUL", ErrInvalidBet, name)
		}
	}
	return nil
}

func parseU32(field, s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidBet, field, s, err)
	}
	return uint32(n), nil
}

// Rule decides whether a bet wins the draw.
type Rule interface {
	IsWinner(Bet) bool
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(Bet) bool

// IsWinner calls f.
func (f RuleFunc) IsWinner(b Bet) bool { return f(b) }

// NumberRule wins every bet whose number equals n.
func NumberRule(n uint32) Rule {
	return RuleFunc(func(b Bet) bool {
		v, err := b.NumberValue()
		return err == nil && v == n
	})
}

// Draw applies rule to bets and groups the winning document ids by agency.
// Bets with unparsable documents are skipped. Order within an agency follows
// the order of bets.
func Draw(bets []Bet, rule Rule) map[uint32][]uint32 {
	winners := make(map[uint32][]uint32)
	for _, b := range bets {
		if !rule.IsWinner(b) {
			continue
		}
		doc, err := b.DocumentID()
		if err != nil {
			continue
		}
		winners[b.Agency] = append(winners[b.Agency], doc)
	}
	return winners
}
