// Package wire implements the framed request/response protocol spoken between
// agents, the lobby and the store.
//
// A frame is a 4-byte big-endian payload length followed by the payload. The
// payload is one encoded Message. Requests and responses on a connection are
// paired by order: a peer keeps at most one request outstanding. Servers may
// push notifications at any time; receivers tell them apart by Kind.
package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/cuihairu/arcade/internal/apperr"
)

const (
	HeaderSize = 4
	// DefaultMaxFrameSize bounds a single payload. Archives travel base64
	// encoded inside frames, so this is sized for packages, not chat.
	DefaultMaxFrameSize = 64 << 20
)

var (
	ErrEmptyFrame    = errors.New("wire: empty frame")
	ErrFrameTooLarge = errors.New("wire: frame exceeds limit")
	ErrTruncated     = errors.New("wire: truncated frame")
)

// ReadFrame reads one frame. A clean EOF before any header byte returns
// io.EOF; every malformed frame returns a PROTOCOL error.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, apperr.Protocol(ErrTruncated, "short length prefix")
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, apperr.Protocol(ErrEmptyFrame, "zero length prefix")
	}
	if uint64(n) > uint64(maxSize) {
		return nil, apperr.Protocol(ErrFrameTooLarge, "length %d above %d", n, maxSize)
	}
	buf := make([]byte, n)
	if got, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, apperr.Protocol(ErrTruncated, "payload ended after %d of %d bytes", got, n)
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes header and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > maxSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}
