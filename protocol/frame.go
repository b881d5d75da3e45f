package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// APIMagic opens every connection, before any framing applies.
	APIMagic = "API\x00"

	// MaxFrameSize bounds the declared length of a frame. Anything larger is
	// treated as a corrupted stream rather than an allocation request.
	MaxFrameSize = 0xFFFFFF
)

var (
	ErrFrameTooLarge = errors.New("Frame length exceeds the maximum frame size")
	ErrEmptyFrame    = errors.New("Frame length is zero")
	ErrBadMagic      = errors.New("Connection did not open with the API magic bytes")
)

// WriteFrame writes body to w prefixed with its 4 byte big-endian length.
//
// The prefix and body are written in a single Write call so that concurrent
// writers serialised by a caller-held lock never interleave mid-frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(head[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("Frame of %d bytes: %w", size, ErrFrameTooLarge)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return body, nil
}

// WriteMagic writes the connection opener: the API magic followed by the
// length-prefixed version window payload, e.g. "v100..178".
func WriteMagic(w io.Writer, versionRange string) error {
	if _, err := w.Write([]byte(APIMagic)); err != nil {
		return err
	}

	return WriteFrame(w, []byte(versionRange))
}

// ReadMagic consumes and validates the connection opener from r, returning
// the version window payload the peer announced.
func ReadMagic(r io.Reader) (string, error) {
	magic := make([]byte, len(APIMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return "", err
	}

	if string(magic) != APIMagic {
		return "", ErrBadMagic
	}

	payload, err := ReadFrame(r)
	if err != nil {
		return "", err
	}

	return string(payload), nil
}

// VersionRange renders the handshake version window payload.
func VersionRange(min, max int) string {
	return fmt.Sprintf("v%d..%d", min, max)
}
