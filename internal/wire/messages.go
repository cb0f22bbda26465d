// Package wire implements the lottery binary protocol: one tag byte followed
// by a fixed big-endian layout per message type.
package wire

import (
	"fmt"

	"pkt.systems/lotteryd/internal/lottery"
)

// Tag identifies a message on the wire.
type Tag byte

// Wire tags. Values are part of the protocol and must not change.
const (
	TagBatchSubmission Tag = 1
	TagAck             Tag = 2
	TagWinnersQuery    Tag = 3
	TagDrawNotReady    Tag = 4
	TagWinnersResponse Tag = 5
)

const (
	// MaxBatchBets is the largest count a one-byte length can carry.
	MaxBatchBets = 255
	// DefaultMaxStringLength caps decoded NUL-terminated strings.
	DefaultMaxStringLength = 1024
)

func (t Tag) String() string {
	switch t {
	case TagBatchSubmission:
		return "batch_submission"
	case TagAck:
		return "ack"
	case TagWinnersQuery:
		return "winners_query"
	case TagDrawNotReady:
		return "draw_not_ready"
	case TagWinnersResponse:
		return "winners_response"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

// Message is implemented by every protocol message.
type Message interface {
	Tag() Tag
}

// BatchSubmission carries up to 255 bets from one agency. An empty batch is
// the agency's completion signal.
type BatchSubmission struct {
	Agency uint32
	Bets   []lottery.Bet
}

// Tag implements Message.
func (BatchSubmission) Tag() Tag { return TagBatchSubmission }

// Count returns the number of bets as sent on the wire.
func (b BatchSubmission) Count() int { return len(b.Bets) }

// IsTerminator reports whether the batch signals agency completion.
func (b BatchSubmission) IsTerminator() bool { return len(b.Bets) == 0 }

// AckCode is the single status byte of an Ack.
type AckCode byte

const (
	AckOK    AckCode = 0
	AckError AckCode = 1
)

// Ack acknowledges a batch.
type Ack struct {
	Code AckCode
}

// Tag implements Message.
func (Ack) Tag() Tag { return TagAck }

// OK reports whether the ack signals success. Any nonzero code is an error.
func (a Ack) OK() bool { return a.Code == AckOK }

// WinnersQuery asks for the winners of one agency.
type WinnersQuery struct {
	Agency uint32
}

// Tag implements Message.
func (WinnersQuery) Tag() Tag { return TagWinnersQuery }

// DrawNotReady answers a winners query received before the draw.
type DrawNotReady struct{}

// Tag implements Message.
func (DrawNotReady) Tag() Tag { return TagDrawNotReady }

// WinnersResponse lists the winning document ids of the querying agency.
type WinnersResponse struct {
	Documents []uint32
}

// Tag implements Message.
func (WinnersResponse) Tag() Tag { return TagWinnersResponse }

// Count returns the number of documents as sent on the wire.
func (w WinnersResponse) Count() int { return len(w.Documents) }

// Role selects which side of the conversation a Codec speaks for.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// canSend reports whether role may put tag on the wire.
func (r Role) canSend(t Tag) bool {
	switch t {
	case TagAck, TagDrawNotReady, TagWinnersResponse:
		return r == RoleServer
	case TagBatchSubmission, TagWinnersQuery:
		return r == RoleClient
	}
	return false
}

// canReceive is the mirror of canSend: a role receives what its peer sends.
func (r Role) canReceive(t Tag) bool {
	if r == RoleServer {
		return RoleClient.canSend(t)
	}
	return RoleServer.canSend(t)
}
