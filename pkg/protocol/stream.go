package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the data stream protocol version written in every StreamHeader.
const Version uint8 = 1

// StreamHeader prefixes every broker-opened data stream and identifies the
// tunnel and public connection the stream belongs to.
type StreamHeader struct {
	Version    uint8
	TunnelID   string
	ConnID     string
	RemoteAddr string
}

// WriteStreamHeader encodes h onto w.
func WriteStreamHeader(w io.Writer, h StreamHeader) error {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(w)
	if h.Version == 0 {
		h.Version = Version
	}
	if err := enc.Encode(&h); err != nil {
		return fmt.Errorf("encoding stream header: %w", err)
	}
	return nil
}

// ReadStreamHeader decodes a StreamHeader from r. The decoder does not read
// past the header, so r can be relayed verbatim afterwards.
func ReadStreamHeader(r io.Reader) (StreamHeader, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(&byteReader{r: r})

	var h StreamHeader
	if err := dec.Decode(&h); err != nil {
		return h, fmt.Errorf("decoding stream header: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("unsupported stream protocol version %d", h.Version)
	}
	return h, nil
}

// byteReader reads one byte at a time so that msgpack, which wraps readers
// lacking io.ByteScanner in a bufio.Reader, never consumes relayed payload bytes.
type byteReader struct {
	r       io.Reader
	last    byte
	hasLast bool
	unread  bool
}

func (b *byteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c, err := b.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = c
	return 1, nil
}

func (b *byteReader) ReadByte() (byte, error) {
	if b.unread {
		b.unread = false
		return b.last, nil
	}
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	b.last, b.hasLast = buf[0], true
	return b.last, nil
}

func (b *byteReader) UnreadByte() error {
	if !b.hasLast || b.unread {
		return errors.New("protocol: invalid UnreadByte")
	}
	b.unread = true
	return nil
}
