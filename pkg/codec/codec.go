// Package codec serializes agent state snapshots into a versioned envelope.
//
// Envelope layout:
//
//	offset  size  field
//	0       4     magic "CKPT"
//	4       1     format version
//	5       1     payload encoding (1 = CBOR, 2 = JSON)
//	6       16    BLAKE3 digest of the payload (truncated)
//	22      n     payload
//
// Decoding is strict: a newer format version fails with
// ErrUnsupportedVersion and anything malformed fails with ErrCorruptPayload.
// Neither is retryable.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// FormatVersion is the envelope version written by this build.
const FormatVersion uint8 = 1

const (
	digestSize = 16
	headerSize = 4 + 1 + 1 + digestSize
)

var magic = []byte("CKPT")

var (
	// ErrUnsupportedVersion is returned for envelopes written by a newer build.
	ErrUnsupportedVersion = errors.New("codec: unsupported format version")
	// ErrCorruptPayload is returned for malformed envelopes.
	ErrCorruptPayload = errors.New("codec: corrupt payload")
)

// Encoding identifies the payload serialization inside the envelope.
type Encoding uint8

const (
	// EncodingCBOR is deterministic CBOR, the default.
	EncodingCBOR Encoding = 1
	// EncodingJSON is plain JSON, useful when blobs are inspected by hand.
	EncodingJSON Encoding = 2
)

// String returns the configuration name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingCBOR:
		return "cbor"
	case EncodingJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParseEncoding parses an encoding name. An empty name selects CBOR.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "cbor":
		return EncodingCBOR, nil
	case "json":
		return EncodingJSON, nil
	default:
		return 0, fmt.Errorf("codec: unknown encoding %q", name)
	}
}

// Codec encodes and decodes State values. The zero value writes CBOR.
type Codec struct {
	Encoding Encoding
}

// New returns a Codec that writes the given encoding.
func New(enc Encoding) *Codec {
	return &Codec{Encoding: enc}
}

var defaultCodec = &Codec{Encoding: EncodingCBOR}

// Encode serializes state with the default CBOR codec.
func Encode(state *State) ([]byte, error) {
	return defaultCodec.Encode(state)
}

// Decode deserializes an envelope regardless of its payload encoding.
func Decode(data []byte) (*State, error) {
	return defaultCodec.Decode(data)
}

// Encode serializes state into an envelope.
func (c *Codec) Encode(state *State) ([]byte, error) {
	if state == nil {
		state = &State{}
	}

	enc := c.Encoding
	if enc == 0 {
		enc = EncodingCBOR
	}

	var (
		payload []byte
		err     error
	)
	switch enc {
	case EncodingCBOR:
		payload, err = Marshal(state)
	case EncodingJSON:
		payload, err = json.Marshal(state)
	default:
		return nil, fmt.Errorf("codec: unknown encoding %d", enc)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: marshal state: %w", err)
	}

	digest := blake3.Sum256(payload)

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, magic...)
	out = append(out, FormatVersion, byte(enc))
	out = append(out, digest[:digestSize]...)
	out = append(out, payload...)
	return out, nil
}

// Decode deserializes an envelope.
func (c *Codec) Decode(data []byte) (*State, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: envelope is %d bytes, header needs %d", ErrCorruptPayload, len(data), headerSize)
	}
	if !bytes.Equal(data[:4], magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptPayload)
	}

	version := data[4]
	if version == 0 {
		return nil, fmt.Errorf("%w: format version 0", ErrCorruptPayload)
	}
	if version > FormatVersion {
		return nil, fmt.Errorf("%w: envelope version %d, build supports up to %d", ErrUnsupportedVersion, version, FormatVersion)
	}

	enc := Encoding(data[5])
	payload := data[headerSize:]

	digest := blake3.Sum256(payload)
	if !bytes.Equal(digest[:digestSize], data[6:headerSize]) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorruptPayload)
	}

	var state State
	switch enc {
	case EncodingCBOR:
		if err := Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
	case EncodingJSON:
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload encoding %d", ErrCorruptPayload, enc)
	}

	return &state, nil
}

// Version reports the format version of an envelope without decoding it.
func Version(data []byte) (uint8, error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], magic) {
		return 0, ErrCorruptPayload
	}
	return data[4], nil
}
