// Package validate implements the Validator (component K): structural
// and content checks on externally-supplied request fields, run
// before any other component sees them.
//
// The checks themselves are plain, stateless functions — there is no
// concurrency or lifecycle to speak of — but the shape of "reject
// cheaply before doing any real work" mirrors the teacher's
// escrow.EscrowGate.triggerIdentityCheck: a short list of named checks
// run in order, the first failing one wins, and nothing downstream is
// touched until all pass.
package validate

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/ocx/cipher-gateway/internal/gwerrors"
)

// Limits bounds the sizes this Validator enforces. Denylist behavior
// is policy, not security, per spec.md §4.K: cheap content screening
// only, never relied on for a cryptographic guarantee.
type Limits struct {
	MaxPlaintextBytes  int
	MaxCiphertextBytes int
	Denylist           [][]byte
}

// Validator is the Validator named in spec.md §4.K.
type Validator struct {
	limits Limits
}

// New constructs a Validator enforcing limits.
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// ID checks that raw is a well-formed UUID, per spec.md §4.K's
// "structural check of ids (UUID format)".
func (v *Validator) ID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed id %q", raw)
	}
	return id, nil
}

// Plaintext checks a plaintext payload's size bound and denylist
// membership before it is ever handed to the engine.
func (v *Validator) Plaintext(data []byte) error {
	if v.limits.MaxPlaintextBytes > 0 && len(data) > v.limits.MaxPlaintextBytes {
		return gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: plaintext %d bytes exceeds limit %d", len(data), v.limits.MaxPlaintextBytes)
	}
	if hit, term := v.matchDenylist(data); hit {
		return gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: plaintext contains denylisted sequence %q", term)
	}
	return nil
}

// Ciphertext checks a binary-encoded ciphertext payload's size bound.
func (v *Validator) Ciphertext(data []byte) error {
	if v.limits.MaxCiphertextBytes > 0 && len(data) > v.limits.MaxCiphertextBytes {
		return gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: ciphertext %d bytes exceeds limit %d", len(data), v.limits.MaxCiphertextBytes)
	}
	return nil
}

func (v *Validator) matchDenylist(data []byte) (bool, string) {
	for _, term := range v.limits.Denylist {
		if bytes.Contains(data, term) {
			return true, string(term)
		}
	}
	return false, ""
}
