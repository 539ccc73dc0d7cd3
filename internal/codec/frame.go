// Package codec implements the DiME wire framing: a 12-byte header
// ("DiME" magic plus two big-endian uint32 lengths) followed by a JSON
// metadata object and an opaque binary payload. The codec never inspects
// the binary payload's contents — it only counts bytes.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Magic is the 4-byte ASCII header every DiME frame begins with.
const Magic = "DiME"

const headerSize = 12

// DefaultMaxBodyBytes bounds json_len and bin_len individually. Several
// hundred MiB, per spec.md §4.1; large enough for workspace-sized
// payloads, small enough to keep a confused or hostile peer from forcing
// an unbounded allocation.
const DefaultMaxBodyBytes = 512 * 1024 * 1024

// FramingError marks a fatal, connection-ending wire violation: a
// malformed header, an oversized length, or JSON that doesn't parse to
// an object. The caller must close the socket without a reply.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "dime: framing error: " + e.Reason }

// Codec reads and writes DiME frames on a byte stream, enforcing a
// maximum body size per field.
type Codec struct {
	MaxBodyBytes uint32
}

// New returns a Codec with the default body size cap.
func New() *Codec {
	return &Codec{MaxBodyBytes: DefaultMaxBodyBytes}
}

// ReadFrame reads one frame from r: the header, then json_len+bin_len
// bytes in a single logical read. meta is parsed as a JSON object; any
// other JSON shape is a framing error. Returns *FramingError for wire
// violations, or the underlying io error (including io.EOF) otherwise.
func (c *Codec) ReadFrame(r io.Reader) (meta map[string]any, payload []byte, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, nil, err
	}
	if string(header[0:4]) != Magic {
		return nil, nil, &FramingError{Reason: fmt.Sprintf("bad magic %q", header[0:4])}
	}

	jsonLen := binary.BigEndian.Uint32(header[4:8])
	binLen := binary.BigEndian.Uint32(header[8:12])

	max := c.MaxBodyBytes
	if max == 0 {
		max = DefaultMaxBodyBytes
	}
	if jsonLen > max || binLen > max {
		return nil, nil, &FramingError{Reason: fmt.Sprintf("oversized frame: json=%d bin=%d max=%d", jsonLen, binLen, max)}
	}

	body := make([]byte, int(jsonLen)+int(binLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	jsonBody := body[:jsonLen]
	payload = body[jsonLen:]

	if err := json.Unmarshal(jsonBody, &meta); err != nil {
		return nil, nil, &FramingError{Reason: "malformed JSON: " + err.Error()}
	}
	if meta == nil {
		return nil, nil, &FramingError{Reason: "JSON body is not an object"}
	}

	return meta, payload, nil
}

// WriteFrame serializes meta as JSON and writes header + json + payload
// as a single logical write (one Write call against a buffered/combined
// slice, so a slow peer can't see a torn frame).
func (c *Codec) WriteFrame(w io.Writer, meta any, payload []byte) error {
	jsonBody, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("dime: marshal frame metadata: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}

	buf := make([]byte, headerSize+len(jsonBody)+len(payload))
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(jsonBody)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[headerSize:], jsonBody)
	copy(buf[headerSize+len(jsonBody):], payload)

	_, err = w.Write(buf)
	return err
}

// ErrNotObject describes a JSON body that is not an object. Nothing in
// this package returns it; ReadFrame reports that case as a *FramingError.
var ErrNotObject = errors.New("dime: JSON body is not an object")
