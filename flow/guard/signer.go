package guard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
)

// ErrSignatureMismatch is returned by Verify when a signature does not match
// the context it claims to cover. A mismatch for a context this process
// signed indicates an internal bug (a signature collision or tampering) and
// is logged distinctly by the orchestrator.
var ErrSignatureMismatch = errors.New("signature mismatch")

// Signer computes HMAC-SHA256 signatures over guard Contexts.
//
// The signed input is serialize(state) || "::" || serialize(event) || "::"
// || serialize(metadata). Metadata is always included: signatures derived
// from state and event alone collide between distinct concurrently
// executing contexts that share transition shape. Each field is
// length-prefixed and metadata keys are sorted, so no two distinct
// contexts serialize to the same byte stream.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer with the given HMAC key.
func NewSigner(key []byte) *Signer {
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}
}

// Sign returns the hex-encoded HMAC-SHA256 signature of gc, prefixed with
// "hmac-sha256:" for format versioning.
func (s *Signer) Sign(gc Context) string {
	mac := hmac.New(sha256.New, s.key)

	writeField(mac, []byte(gc.State))
	mac.Write([]byte("::"))
	writeField(mac, []byte(gc.Event))
	mac.Write([]byte("::"))
	writeMetadata(mac, gc.Metadata)

	return "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for gc and compares it against sig in
// constant time. Returns ErrSignatureMismatch when they differ.
func (s *Signer) Verify(gc Context, sig string) error {
	want := s.Sign(gc)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureMismatch
	}
	return nil
}

// writeField writes a length-prefixed field so adjacent fields can never be
// reassociated ("ab","c" vs "a","bc").
func writeField(mac interface{ Write(p []byte) (int, error) }, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	mac.Write(lenBuf[:])
	mac.Write(b)
}

// writeMetadata serializes the metadata map with sorted keys and
// length-prefixed entries for a canonical byte stream.
func writeMetadata(mac interface{ Write(p []byte) (int, error) }, meta map[string]string) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(keys)))
	mac.Write(lenBuf[:])

	for _, k := range keys {
		writeField(mac, []byte(k))
		writeField(mac, []byte(meta[k]))
	}
}
