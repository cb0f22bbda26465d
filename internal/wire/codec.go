package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"pkt.systems/lotteryd/internal/lottery"
)

// Codec reads and writes framed messages for one side of a connection. It
// is not safe for concurrent reads or concurrent writes; Close may be called
// from any goroutine to unblock a pending read.
type Codec struct {
	role      Role
	rw        io.ReadWriter
	r         *bufio.Reader
	maxString int
	closed    atomic.Bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxStringLength caps decoded and encoded string fields at n bytes,
// excluding the terminator.
func WithMaxStringLength(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxString = n
		}
	}
}

// NewCodec wraps rw for role.
func NewCodec(rw io.ReadWriter, role Role, opts ...Option) *Codec {
	c := &Codec{
		role:      role,
		rw:        rw,
		r:         bufio.NewReader(rw),
		maxString: DefaultMaxStringLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Role returns the side this codec speaks for.
func (c *Codec) Role() Role { return c.role }

// Close marks the codec closed and closes the underlying stream when it
// implements io.Closer. It is idempotent.
func (c *Codec) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ReadMessage blocks until one full frame has been read.
func (c *Codec) ReadMessage() (Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	tagByte, err := c.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, c.ioError("read tag", err)
	}
	tag := Tag(tagByte)
	switch tag {
	case TagBatchSubmission, TagAck, TagWinnersQuery, TagDrawNotReady, TagWinnersResponse:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, tagByte)
	}
	if !c.role.canReceive(tag) {
		return nil, fmt.Errorf("%w: %s received by %s", ErrUnexpectedMessage, tag, c.role)
	}
	switch tag {
	case TagBatchSubmission:
		return c.readBatch()
	case TagAck:
		code, err := c.r.ReadByte()
		if err != nil {
			return nil, c.frameError("ack code", err)
		}
		return Ack{Code: AckCode(code)}, nil
	case TagWinnersQuery:
		agency, err := c.readU32("agency")
		if err != nil {
			return nil, err
		}
		return WinnersQuery{Agency: agency}, nil
	case TagDrawNotReady:
		return DrawNotReady{}, nil
	default:
		return c.readWinners()
	}
}

// WriteMessage serializes m and writes the frame in a single call.
func (c *Codec) WriteMessage(m Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrIllegalState)
	}
	if !c.role.canSend(m.Tag()) {
		if c.role == RoleServer {
			return fmt.Errorf("%w: %s", ErrIllegalServerMessage, m.Tag())
		}
		return fmt.Errorf("%w: %s", ErrIllegalClientMessage, m.Tag())
	}
	frame, err := c.encode(m)
	if err != nil {
		return err
	}
	if _, err := c.rw.Write(frame); err != nil {
		return c.ioError("write "+m.Tag().String(), err)
	}
	return nil
}

func (c *Codec) encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Tag()))
	switch msg := m.(type) {
	case BatchSubmission:
		if len(msg.Bets) > MaxBatchBets {
			return nil, fmt.Errorf("%w: %d", ErrBatchTooLarge, len(msg.Bets))
		}
		buf.Write(binary.BigEndian.AppendUint32(nil, msg.Agency))
		buf.WriteByte(byte(len(msg.Bets)))
		for i, bet := range msg.Bets {
			if err := c.encodeBet(&buf, bet); err != nil {
				return nil, fmt.Errorf("bet %d: %w", i, err)
			}
		}
	case *BatchSubmission:
		return c.encode(*msg)
	case Ack:
		buf.WriteByte(byte(msg.Code))
	case WinnersQuery:
		buf.Write(binary.BigEndian.AppendUint32(nil, msg.Agency))
	case DrawNotReady:
	case WinnersResponse:
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(msg.Documents))))
		for _, doc := range msg.Documents {
			buf.Write(binary.BigEndian.AppendUint32(nil, doc))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrIllegalState, m)
	}
	return buf.Bytes(), nil
}

func (c *Codec) encodeBet(buf *bytes.Buffer, bet lottery.Bet) error {
	doc, err := bet.DocumentID()
	if err != nil {
		return err
	}
	number, err := bet.NumberValue()
	if err != nil {
		return err
	}
	if err := c.writeString(buf, "first_name", bet.FirstName); err != nil {
		return err
	}
	if err := c.writeString(buf, "last_name", bet.LastName); err != nil {
		return err
	}
	buf.Write(binary.BigEndian.AppendUint32(nil, doc))
	if err := c.writeString(buf, "birthdate", bet.Birthdate); err != nil {
		return err
	}
	buf.Write(binary.BigEndian.AppendUint32(nil, number))
	return nil
}

func (c *Codec) writeString(buf *bytes.Buffer, field, s string) error {
	if strings.ContainsAny(s, "\x00\r") || !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s", ErrInvalidString, field)
	}
	if len(s) > c.maxString {
		return fmt.Errorf("%w: %s is %d bytes", ErrStringTooLong, field, len(s))
	}
	buf.WriteString(s)
	buf.WriteByte(0)
	return nil
}

func (c *Codec) readBatch() (Message, error) {
	agency, err := c.readU32("agency")
	if err != nil {
		return nil, err
	}
	count, err := c.r.ReadByte()
	if err != nil {
		return nil, c.frameError("count", err)
	}
	batch := BatchSubmission{Agency: agency, Bets: make([]lottery.Bet, 0, int(count))}
	for i := 0; i < int(count); i++ {
		first, err := c.readString("first_name")
		if err != nil {
			return nil, err
		}
		last, err := c.readString("last_name")
		if err != nil {
			return nil, err
		}
		doc, err := c.readU32("document")
		if err != nil {
			return nil, err
		}
		birth, err := c.readString("birthdate")
		if err != nil {
			return nil, err
		}
		number, err := c.readU32("number")
		if err != nil {
			return nil, err
		}
		batch.Bets = append(batch.Bets, lottery.NewBet(agency, first, last, doc, birth, number))
	}
	return batch, nil
}

func (c *Codec) readWinners() (Message, error) {
	count, err := c.readU32("count")
	if err != nil {
		return nil, err
	}
	// The count is untrusted; grow as documents actually arrive.
	docs := make([]uint32, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		doc, err := c.readU32("document")
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return WinnersResponse{Documents: docs}, nil
}

func (c *Codec) readU32(field string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, c.frameError(field, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (c *Codec) readString(field string) (string, error) {
	var buf []byte
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", c.frameError(field, err)
		}
		if b == 0 {
			break
		}
		if b == '\r' {
			return "", fmt.Errorf("%w: %s contains a carriage return", ErrMalformedString, field)
		}
		if len(buf) >= c.maxString {
			return "", fmt.Errorf("%w: %s longer than %d bytes", ErrMalformedString, field, c.maxString)
		}
		buf = append(buf, b)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformedString, field)
	}
	return string(buf), nil
}

// frameError maps an error that interrupted a frame after its tag.
func (c *Codec) frameError(field string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: reading %s", ErrTruncatedFrame, field)
	}
	return c.ioError("read "+field, err)
}

func (c *Codec) ioError(op string, err error) error {
	if c.closed.Load() && errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("wire: %s: %w", op, err)
}
