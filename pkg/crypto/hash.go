package crypto

import (
	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// StreamingHash accumulates canonical values into a running BLAKE3 digest.
// A session's signature chain is the sequence of digests after each
// transaction.
type StreamingHash struct {
	h *blake3.Hasher
}

func newStreamingHash() *StreamingHash {
	return &StreamingHash{h: blake3.New(32, nil)}
}

// Update adds the canonical encoding of value and returns the new digest.
func (s *StreamingHash) Update(value any) (Hash, error) {
	b, err := Canonical(value)
	if err != nil {
		return "", err
	}
	return s.UpdateRaw(b), nil
}

// UpdateRaw adds already canonical bytes and returns the new digest.
func (s *StreamingHash) UpdateRaw(canonical []byte) Hash {
	s.h.Write(canonical)
	return s.Digest()
}

// Digest returns the current digest without changing the state.
func (s *StreamingHash) Digest() Hash {
	return Hash(prefixHash + base58.Encode(s.h.Sum(nil)))
}

// Clone returns an independent copy, used to try a batch without committing it.
func (s *StreamingHash) Clone() *StreamingHash {
	cp := *s.h
	return &StreamingHash{h: &cp}
}
