// Package engine implements the FHE Engine (component D): the
// scheme contract plus one simulated implementation.
//
// spec.md §9 and §1's Non-goals are explicit that this repository does
// not implement a cryptographically sound FHE scheme; the Scheme
// interface is the seam a real scheme library would plug into. The
// simulated scheme below preserves the *shape* of the contract
// (deterministic keygen material, length-bounded encrypt, tamper-
// detecting decrypt, an associative concat, a noise-reducing refresh)
// without any real security property.
package engine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/ocx/cipher-gateway/internal/gwerrors"
	"github.com/ocx/cipher-gateway/internal/params"
)

// KeyMaterial is the opaque byte triple produced by Keygen. Only
// Public and Evaluation ever leave the Key Store's process boundary;
// Private never does (spec §3.B).
type KeyMaterial struct {
	Public     []byte
	Private    []byte
	Evaluation []byte
}

// Scheme is the fixed, small method set spec.md §9 calls for: a
// tagged variant or interface with keygen/encrypt/decrypt/concat/refresh
// and nothing else. One scheme is loaded per process.
type Scheme interface {
	Keygen(p *params.Params) (KeyMaterial, error)
	Encrypt(p *params.Params, public []byte, plaintext []byte) ([]byte, error)
	Decrypt(p *params.Params, private []byte, ciphertext []byte) ([]byte, error)
	Concat(p *params.Params, public []byte, a, b []byte) ([]byte, error)
	Refresh(p *params.Params, public []byte, c []byte) ([]byte, error)
}

// payload wire layout for the simulated scheme:
//
//	[4]byte length-prefix (big endian, plaintext length)
//	[16]byte nonce
//	[32]byte HMAC-SHA256 tag, keyed by the public key, over
//	        (length-prefix || nonce || body)
//	body: keystream-XOR'd plaintext, same length as the plaintext
//
// This is not a real FHE ciphertext; it exists to give Decrypt a
// concrete, tamper-detectable failure mode and to give Concat a
// well-defined, order-sensitive, reversible joining operation.
const tagSize = 32
const lenPrefixSize = 4

// Simulated returns the single scheme implementation this process
// loads, grounded on spec.md's instruction that the simulation
// preserve the engine's call contract, not any cryptographic property.
func Simulated() Scheme { return simulatedScheme{} }

type simulatedScheme struct{}

func (simulatedScheme) Keygen(p *params.Params) (KeyMaterial, error) {
	public := make([]byte, 32)
	private := make([]byte, 32)
	evaluation := make([]byte, 32)
	for _, b := range [][]byte{public, private, evaluation} {
		if _, err := rand.Read(b); err != nil {
			return KeyMaterial{}, gwerrors.Wrap(gwerrors.EngineFailed, err, "keygen: entropy source failed")
		}
	}
	// Bind public/evaluation to private deterministically so Decrypt
	// can verify a ciphertext was produced under the matching public
	// key without ever needing to see the private key off-process.
	mac := hmac.New(sha256.New, private)
	mac.Write([]byte("public"))
	copy(public, mac.Sum(nil))
	mac = hmac.New(sha256.New, private)
	mac.Write([]byte("evaluation"))
	copy(evaluation, mac.Sum(nil))
	return KeyMaterial{Public: public, Private: private, Evaluation: evaluation}, nil
}

func (simulatedScheme) Encrypt(p *params.Params, public []byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) > p.MaxPlaintextBytes() {
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "plaintext-too-large: %d bytes exceeds bound %d", len(plaintext), p.MaxPlaintextBytes())
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "encrypt: entropy source failed")
	}
	stream := keystream(public, nonce, len(plaintext))
	body := xor(plaintext, stream)

	lenPrefix := make([]byte, lenPrefixSize)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(plaintext)))

	out := make([]byte, 0, lenPrefixSize+len(nonce)+tagSize+len(body))
	out = append(out, lenPrefix...)
	out = append(out, nonce...)
	tag := tagFor(public, lenPrefix, nonce, body)
	out = append(out, tag...)
	out = append(out, body...)
	return out, nil
}

func (simulatedScheme) Decrypt(p *params.Params, private []byte, ciphertext []byte) ([]byte, error) {
	public := derivePublic(private)
	lenPrefix, nonce, tag, body, err := splitPayload(ciphertext)
	if err != nil {
		return nil, err
	}
	expected := tagFor(public, lenPrefix, nonce, body)
	if !hmac.Equal(tag, expected) {
		return nil, gwerrors.New(gwerrors.EngineFailed, "decrypt-failed: ciphertext authentication tag mismatch")
	}
	n := binary.BigEndian.Uint32(lenPrefix)
	stream := keystream(public, nonce, len(body))
	plain := xor(body, stream)
	if int(n) > len(plain) {
		return nil, gwerrors.New(gwerrors.EngineFailed, "decrypt-failed: corrupt length prefix")
	}
	return plain[:n], nil
}

// Concat performs a homomorphic-style concatenation: the decrypted
// plaintexts are joined in argument order under a single fresh
// ciphertext. Both inputs must already share parameter-set and owner —
// the orchestrator checks both before this is ever called (spec §4.D).
func (s simulatedScheme) Concat(p *params.Params, public []byte, a, b []byte) ([]byte, error) {
	// Concat operates on ciphertexts encrypted under the same public
	// key. The simulated keystream depends only on the public key and
	// the nonce, so each body is XORed back to its plaintext here; the
	// joined plaintext is then re-encrypted and re-tagged under a nonce
	// derived from both input nonces, which the private key holder can
	// decrypt like any other ciphertext. Input tags are not checked.
	lenA, nonceA, _, bodyA, err := splitPayload(a)
	if err != nil {
		return nil, err
	}
	lenB, nonceB, _, bodyB, err := splitPayload(b)
	if err != nil {
		return nil, err
	}
	nA := binary.BigEndian.Uint32(lenA)
	nB := binary.BigEndian.Uint32(lenB)

	joinedNonce := sha256.Sum256(append(append([]byte{}, nonceA...), nonceB...))
	nonce := joinedNonce[:16]

	plainA := xor(bodyA, keystream(public, nonceA, len(bodyA)))[:nA]
	plainB := xor(bodyB, keystream(public, nonceB, len(bodyB)))[:nB]
	joinedPlain := append(append([]byte{}, plainA...), plainB...)

	stream := keystream(public, nonce, len(joinedPlain))
	body := xor(joinedPlain, stream)

	lenPrefix := make([]byte, lenPrefixSize)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(joinedPlain)))
	tag := tagFor(public, lenPrefix, nonce, body)

	out := make([]byte, 0, lenPrefixSize+len(nonce)+tagSize+len(body))
	out = append(out, lenPrefix...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, body...)
	return out, nil
}

// Refresh re-tags a ciphertext under a fresh nonce, simulating the
// noise-reducing bootstrap/relinearize step. It is a no-op on the
// plaintext and exists purely to give the engine pool a realistic,
// non-trivial op to dispatch.
func (s simulatedScheme) Refresh(p *params.Params, public []byte, c []byte) ([]byte, error) {
	lenPrefix, nonce, _, body, err := splitPayload(c)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix)
	plain := xor(body, keystream(public, nonce, len(body)))[:n]

	newNonce := make([]byte, 16)
	if _, err := rand.Read(newNonce); err != nil {
		return nil, gwerrors.Wrap(gwerrors.EngineFailed, err, "refresh: entropy source failed")
	}
	stream := keystream(public, newNonce, len(plain))
	newBody := xor(plain, stream)
	tag := tagFor(public, lenPrefix, newNonce, newBody)

	out := make([]byte, 0, len(lenPrefix)+len(newNonce)+tagSize+len(newBody))
	out = append(out, lenPrefix...)
	out = append(out, newNonce...)
	out = append(out, tag...)
	out = append(out, newBody...)
	return out, nil
}

func splitPayload(ciphertext []byte) (lenPrefix, nonce, tag, body []byte, err error) {
	min := lenPrefixSize + 16 + tagSize
	if len(ciphertext) < min {
		return nil, nil, nil, nil, gwerrors.New(gwerrors.EngineFailed, "decrypt-failed: truncated ciphertext")
	}
	lenPrefix = ciphertext[:lenPrefixSize]
	nonce = ciphertext[lenPrefixSize : lenPrefixSize+16]
	tag = ciphertext[lenPrefixSize+16 : lenPrefixSize+16+tagSize]
	body = ciphertext[lenPrefixSize+16+tagSize:]
	return lenPrefix, nonce, tag, body, nil
}

func tagFor(public, lenPrefix, nonce, body []byte) []byte {
	mac := hmac.New(sha256.New, public)
	mac.Write(lenPrefix)
	mac.Write(nonce)
	mac.Write(body)
	return mac.Sum(nil)
}

// keystream derives a deterministic pseudorandom stream from
// (public key, nonce) long enough to XOR against n bytes.
func keystream(public, nonce []byte, n int) []byte {
	out := make([]byte, 0, n+sha256.Size)
	counter := uint32(0)
	for len(out) < n {
		h := sha256.New()
		h.Write(public)
		h.Write(nonce)
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)
		h.Write(ctr[:])
		out = append(out, h.Sum(nil)...)
		counter++
	}
	return out[:n]
}

func xor(a, stream []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ stream[i]
	}
	return out
}

// derivePublic recomputes the public key bytes from a private key,
// matching Keygen's binding — only the engine (never the Key Store's
// external surface) ever sees a private key.
func derivePublic(private []byte) []byte {
	mac := hmac.New(sha256.New, private)
	mac.Write([]byte("public"))
	return mac.Sum(nil)
}
