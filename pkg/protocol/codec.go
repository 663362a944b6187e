package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameSize bounds a single non-Transfer frame to guard against a
// corrupt or malicious length prefix causing an unbounded allocation.
const maxFrameSize = 16 * 1024 * 1024

// frame is the on-the-wire envelope for every message kind except the raw
// byte stream that follows a Transfer header.
type frame struct {
	Kind    Kind   `cbor:"kind"`
	Payload []byte `cbor:"payload"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: build cbor encode mode: %v", err))
	}
	return mode
}

// writeFrame CBOR-encodes kind+payload, length-prefixes it, and writes it to
// w in one call.
func writeFrame(w io.Writer, kind Kind, payload interface{}) error {
	payloadBytes, err := encMode.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}

	body, err := encMode.Marshal(frame{Kind: kind, Payload: payloadBytes})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed CBOR frame from r and decodes its
// kind and raw payload bytes; the caller decodes the payload into the
// concrete type its Kind indicates.
func readFrame(r io.Reader) (Kind, []byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size == 0 || size > maxFrameSize {
		return 0, nil, fmt.Errorf("frame size %d out of bounds", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}

	var f frame
	if err := cbor.Unmarshal(body, &f); err != nil {
		return 0, nil, fmt.Errorf("decode frame: %w", err)
	}
	return f.Kind, f.Payload, nil
}

func decodePayload[T any](raw []byte) (T, error) {
	var v T
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
