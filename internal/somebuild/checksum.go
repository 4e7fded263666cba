package somebuild

import (
	"encoding/hex"
	"hash"
	"sync"

	"lukechampine.com/blake3"
)

// digestSize is the BLAKE3 output length used for source hashes (b3sum default).
const digestSize = 32

// Verifier accumulates a BLAKE3 digest over bytes as they stream past.
type Verifier struct {
	mu sync.Mutex
	h  hash.Hash
}

func NewVerifier() *Verifier {
	return &Verifier{h: blake3.New(digestSize, nil)}
}

func (v *Verifier) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.h.Write(p)
}

// Digest returns the lowercase hex digest of everything written so far.
func (v *Verifier) Digest() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return hex.EncodeToString(v.h.Sum(nil))
}

// Verify compares the digest with expected as an exact, case-sensitive string.
func (v *Verifier) Verify(url, expected string) error {
	found := v.Digest()
	if found != expected {
		return &IntegrityError{URL: url, Expected: expected, Found: found}
	}
	return nil
}

