// Package protocol implements the length-prefixed JSON control-plane codec
// shared by the TCP server and the WebSocket gateway. A frame is a 4-byte
// big-endian length followed by that many payload bytes; the payload is
// either UTF-8 JSON (pre-auth) or an AES-GCM blob sealed with the session
// key (post-auth).
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single frame. The largest legitimate frame is a file
// chunk (1.5 MB raw, ~2 MB base64) plus envelope; anything near the cap is
// hostile or broken.
const MaxFrameLen = 16 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// ReadFrame reads one raw frame payload. Short reads and oversize prefixes
// are connection-fatal for the caller.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one raw frame payload with its length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadPlain reads a plaintext JSON frame into a Message.
func ReadPlain(r io.Reader) (*Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadJSON, err)
	}
	return &msg, nil
}

// WritePlain marshals v and writes it as a plaintext frame.
func WritePlain(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadSecure reads an AES-GCM frame sealed with key into a Message. An AEAD
// verification failure is connection-fatal for the caller.
func ReadSecure(r io.Reader, key []byte) (*Message, error) {
	blob, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	plaintext, err := Open(key, blob)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadJSON, err)
	}
	return &msg, nil
}

// WriteSecure marshals v, seals it with key, and writes the frame.
func WriteSecure(w io.Writer, v any, key []byte) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	blob, err := Seal(key, payload)
	if err != nil {
		return err
	}
	return WriteFrame(w, blob)
}

// ErrBadJSON marks a frame whose payload did not parse. Plaintext parse
// failures are soft; the server replies with a generic error and continues.
var ErrBadJSON = errors.New("malformed JSON payload")
