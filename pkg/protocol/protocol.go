// Package protocol implements framed, length-prefixed messages over TCP,
// one full-duplex session per connected peer. Framing itself (a 4-byte
// big-endian length prefix read with
// io.ReadFull) is plain net/encoding-binary Go with no ecosystem library
// worth reaching for; message payloads are CBOR (fxamacker/cbor/v2), a
// self-describing binary format. Each frame is a single CBOR envelope (the
// frame struct in codec.go) holding a Kind and the CBOR-encoded payload
// bytes, instead of a protoc-generated wire type for every message kind.
package protocol

import (
	"github.com/matx64/synche/pkg/model"
)

// Kind identifies the payload carried by a frame.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindAnnounce
	KindAnnounceBatch
	KindRequest
	KindTransfer
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindAnnounce:
		return "Announce"
	case KindAnnounceBatch:
		return "AnnounceBatch"
	case KindRequest:
		return "Request"
	case KindTransfer:
		return "Transfer"
	case KindAck:
		return "Ack"
	default:
		return "Unknown"
	}
}

// HelloPayload is exchanged once, immediately after connecting, by both
// sides.
type HelloPayload struct {
	PeerID      string   `cbor:"peer_id"`
	Directories []string `cbor:"directories"`
}

// AnnouncePayload declares the version of an entry the sender currently
// holds.
type AnnouncePayload struct {
	Dir        string            `cbor:"dir"`
	Path       string            `cbor:"path"`
	Kind       model.EntryKind   `cbor:"kind"`
	VV         map[string]uint64 `cbor:"vv"`
	Hash       string            `cbor:"hash"`
	Size       uint64            `cbor:"size"`
	Tombstone  bool              `cbor:"tombstone"`
	OriginPeer string            `cbor:"origin_peer"`
}

// AnnounceBatchPayload carries the initial post-Hello reconciliation set, or
// any other batched announce burst.
type AnnounceBatchPayload struct {
	Announces []AnnouncePayload `cbor:"announces"`
}

// RequestPayload asks the peer to Transfer the named entry's current bytes.
type RequestPayload struct {
	Dir        string            `cbor:"dir"`
	Path       string            `cbor:"path"`
	ExpectedVV map[string]uint64 `cbor:"expected_vv"`
}

// TransferHeaderPayload is the frame that precedes exactly Size raw bytes
// written directly to the connection -- the payload bytes themselves are
// never CBOR-encoded.
type TransferHeaderPayload struct {
	Dir  string            `cbor:"dir"`
	Path string            `cbor:"path"`
	VV   map[string]uint64 `cbor:"vv"`
	Hash string            `cbor:"hash"`
	Size uint64            `cbor:"size"`
}

// AckPayload confirms a Transfer was applied.
type AckPayload struct {
	Dir  string            `cbor:"dir"`
	Path string            `cbor:"path"`
	VV   map[string]uint64 `cbor:"vv"`
}

func announceFromModel(ann model.Announcement) AnnouncePayload {
	return AnnouncePayload{
		Dir: ann.Dir, Path: ann.Path, Kind: ann.Kind, VV: ann.VV,
		Hash: ann.Hash, Size: ann.Size, Tombstone: ann.Tombstone, OriginPeer: ann.OriginPeer,
	}
}

func announceToModel(p AnnouncePayload) model.Announcement {
	return model.Announcement{
		Dir: p.Dir, Path: p.Path, Kind: p.Kind, VV: p.VV,
		Hash: p.Hash, Size: p.Size, Tombstone: p.Tombstone, OriginPeer: p.OriginPeer,
	}
}
