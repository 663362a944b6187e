// Package hashutil computes the 256-bit content digest used for every File
// EntryRecord. Reading is done in fixed-size chunks rather than loading a
// whole file into memory. Synche has no block-level transfer, so only
// whole-file hashing is needed.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// readChunkSize is the buffer size used while streaming a file through the
// hasher. It has no bearing on the wire protocol, which always transfers a
// whole file in one Transfer message.
const readChunkSize = 1024 * 1024

// HashFile returns the lowercase hex SHA-256 digest of the file at path,
// and its size in bytes.
func HashFile(path string) (digest string, size uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return HashReader(f)
}

// HashReader streams r through SHA-256 in fixed-size chunks and returns the
// resulting digest and total byte count.
func HashReader(r io.Reader) (digest string, size uint64, err error) {
	h := sha256.New()
	buf := make([]byte, readChunkSize)
	var total uint64

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, fmt.Errorf("read: %w", readErr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// HashingWriter wraps an io.Writer, accumulating a SHA-256 digest of every
// byte written through it. Used by the Transfer receiver to compute the
// received content's hash as it streams to the staging file, instead of
// hashing again after the write completes.
type HashingWriter struct {
	w     io.Writer
	h     hash.Hash
	total uint64
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.total += uint64(n)
	}
	return n, err
}

// Sum returns the hex digest and total bytes written so far.
func (hw *HashingWriter) Sum() (digest string, size uint64) {
	return hex.EncodeToString(hw.h.Sum(nil)), hw.total
}
