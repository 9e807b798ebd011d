package protocol

import (
	"fmt"
	"io"

	"github.com/mono-db/mono-proxy-server/internal/merr"
)

// Codec frames/reassembles MySQL packets on one connection. Sequence
// state belongs to the Codec instance and is shared by its reads and
// writes, so one Codec serves both directions of the connection; the
// command phase engine resets it to 0 at each command boundary (spec §4.A).
type Codec struct {
	seq    uint8
	maxLen int // aggregate payload cap (Overlong), default 16 MiB
}

// NewCodec returns a Codec with the default 16 MiB Overlong ceiling.
func NewCodec() *Codec {
	return &Codec{maxLen: defaultMaxPacket}
}

// WithMaxPayload overrides the Overlong ceiling (used by tests and by
// deployments that configure a smaller limit than the MySQL default).
func (c *Codec) WithMaxPayload(n int) *Codec {
	c.maxLen = n
	return c
}

// ResetSeq resets the sequence counter to 0, as required at every command
// boundary.
func (c *Codec) ResetSeq() { c.seq = 0 }

// Seq returns the next sequence number that will be used.
func (c *Codec) Seq() uint8 { return c.seq }

// ReadPacket reads one logical payload, reassembling continuation packets
// (a 2^24-1 byte packet followed by more packets on consecutive sequence
// numbers) until a short packet terminates the sequence.
func (c *Codec) ReadPacket(r io.Reader) ([]byte, error) {
	var payload []byte
	for {
		header := make([]byte, 4)
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, fmt.Errorf("read packet header: %w: %v", merr.ErrIo, err)
		}
		length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
		seq := header[3]
		if seq != c.seq {
			return nil, fmt.Errorf("expected sequence %d got %d: %w", c.seq, seq, merr.ErrProtocolDesync)
		}
		c.seq++

		if len(payload)+length > c.maxLen {
			return nil, fmt.Errorf("aggregate payload exceeds %d bytes: %w", c.maxLen, merr.ErrOverlong)
		}

		chunk := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, chunk); err != nil {
				return nil, fmt.Errorf("read packet body: %w: %v", merr.ErrIo, err)
			}
		}
		payload = append(payload, chunk...)

		if length < maxPayload {
			// Short packet (including zero-length) terminates the logical message.
			return payload, nil
		}
	}
}

// WritePacket splits payload into maxPayload-sized chunks, each prefixed
// with its own sequence number, followed by a short tail (possibly empty
// when len(payload) is an exact multiple of maxPayload).
func (c *Codec) WritePacket(w io.Writer, payload []byte) error {
	for {
		n := len(payload)
		if n > maxPayload {
			n = maxPayload
		}
		if err := c.writeOne(w, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
		if n < maxPayload {
			return nil
		}
		if len(payload) == 0 {
			// Exact multiple: emit the empty tail packet too.
			return c.writeOne(w, nil)
		}
	}
}

func (c *Codec) writeOne(w io.Writer, chunk []byte) error {
	header := []byte{
		byte(len(chunk)),
		byte(len(chunk) >> 8),
		byte(len(chunk) >> 16),
		c.seq,
	}
	c.seq++
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write packet header: %w: %v", merr.ErrIo, err)
	}
	if len(chunk) > 0 {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("write packet body: %w: %v", merr.ErrIo, err)
		}
	}
	return nil
}
