package wire

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is wrapped by every error caused by malformed or
// out-of-protocol input from the peer.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// ErrIllegalState is wrapped by errors caused by local misuse of a Codec.
var ErrIllegalState = errors.New("wire: illegal state")

var (
	// ErrConnectionClosed means the peer closed the stream on a frame
	// boundary. It is the normal end of a conversation.
	ErrConnectionClosed = errors.New("wire: connection closed by peer")

	ErrTruncatedFrame     = fmt.Errorf("%w: truncated frame", ErrProtocolViolation)
	ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrProtocolViolation)
	ErrUnexpectedMessage  = fmt.Errorf("%w: message not valid for this role", ErrProtocolViolation)
	ErrMalformedString    = fmt.Errorf("%w: malformed string", ErrProtocolViolation)

	ErrIllegalServerMessage = fmt.Errorf("%w: server cannot send this message", ErrIllegalState)
	ErrIllegalClientMessage = fmt.Errorf("%w: client cannot send this message", ErrIllegalState)
	ErrClosed               = fmt.Errorf("%w: codec closed", ErrIllegalState)

	ErrInvalidString = errors.New("wire: string contains NUL, CR or invalid UTF-8")
	ErrBatchTooLarge = errors.New("wire: batch exceeds 255 bets")
	ErrStringTooLong = errors.New("wire: string exceeds maximum length")
)

// IsProtocolViolation reports whether err was caused by the peer breaking
// the protocol.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
