// Package params implements the Parameter Set (component A): the
// immutable FHE parameter record every other component validates
// against.
package params

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ocx/cipher-gateway/internal/gwerrors"
)

// SecurityLevel is the admissible security budget, in bits.
type SecurityLevel int

const (
	Security128 SecurityLevel = 128
	Security192 SecurityLevel = 192
	Security256 SecurityLevel = 256
)

// SchemeTag names the single FHE scheme supported by this process.
// spec.md §9: "one scheme is loaded per process" — no open-ended
// plugin registry.
type SchemeTag string

const DefaultScheme SchemeTag = "simulated-ckks"

// admissible degrees, power-of-two only.
var validDegrees = map[uint32]bool{
	4096: true, 8192: true, 16384: true, 32768: true,
}

// minChainBits is the published table this implementation embeds,
// mapping degree → security level → minimum coefficient-chain bit sum.
// Modeled loosely on published CKKS/BFV parameter tables; the exact
// figures are policy, not a claimed cryptographic guarantee (the scheme
// itself is simulated — see internal/engine).
var minChainBits = map[uint32]map[SecurityLevel]int{
	4096: {
		Security128: 109,
		Security192: 75,
		Security256: 58,
	},
	8192: {
		Security128: 218,
		Security192: 152,
		Security256: 118,
	},
	16384: {
		Security128: 438,
		Security192: 305,
		Security256: 237,
	},
	32768: {
		Security128: 881,
		Security192: 611,
		Security256: 476,
	},
}

// Params is the immutable, read-only-once-constructed parameter set
// record named in spec §3.A.
type Params struct {
	Degree       uint32
	CoeffModBits []int
	ScaleBits    int
	Security     SecurityLevel
	Scheme       SchemeTag

	id string // content hash, computed once at construction
}

// New validates and constructs a Params. Any illegal combination is a
// hard error surfaced at construction, per spec §4.A.
func New(degree uint32, coeffModBits []int, scaleBits int, security SecurityLevel) (*Params, error) {
	if !validDegrees[degree] {
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-parameters: degree %d is not a supported power of two", degree)
	}
	if security != Security128 && security != Security192 && security != Security256 {
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-parameters: security level %d is not supported", security)
	}
	if scaleBits < 20 || scaleBits > 50 {
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-parameters: scale-bits %d outside allowed window [20,50]", scaleBits)
	}
	if len(coeffModBits) == 0 {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "invalid-parameters: coefficient-modulus chain must not be empty")
	}
	sum := 0
	for _, b := range coeffModBits {
		if b < 30 || b > 60 {
			return nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-parameters: coefficient-modulus entry %d bits outside [30,60]", b)
		}
		sum += b
	}
	required := minChainBits[degree][security]
	if sum > required*2 {
		// A chain far larger than the security level calls for is also
		// rejected — it silently degrades performance while claiming a
		// lower security level would suffice, which is exactly the kind
		// of "illegal combination" spec §4.A calls out.
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-parameters: coefficient chain (%d bits) exceeds security envelope for degree=%d security=%d", sum, degree, security)
	}
	if sum < required {
		return nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-parameters: coefficient chain (%d bits) insufficient for degree=%d security=%d (need >= %d)", sum, degree, security, required)
	}

	p := &Params{
		Degree:       degree,
		CoeffModBits: append([]int(nil), coeffModBits...),
		ScaleBits:    scaleBits,
		Security:     security,
		Scheme:       DefaultScheme,
	}
	p.id = p.computeID()
	return p, nil
}

func (p *Params) computeID() string {
	sorted := append([]int(nil), p.CoeffModBits...)
	sort.Ints(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%v|%d|%d", p.Scheme, p.Degree, sorted, p.ScaleBits, p.Security)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ID returns the stable content-hash identifying this parameter set,
// used wherever spec.md refers to "parameter-set-id".
func (p *Params) ID() string { return p.id }

// Equal reports whether two parameter sets are the same admissible
// combination — required before any op that consumes two ciphertexts.
func (p *Params) Equal(other *Params) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID() == other.ID()
}

type wireForm struct {
	ID           string        `json:"id"`
	Degree       uint32        `json:"degree"`
	CoeffModBits []int         `json:"coeff_mod_bits"`
	ScaleBits    int           `json:"scale_bits"`
	Security     SecurityLevel `json:"security_level"`
	Scheme       SchemeTag     `json:"scheme"`
}

// MarshalJSON exposes the read-only serialized form clients may fetch.
func (p *Params) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireForm{
		ID:           p.ID(),
		Degree:       p.Degree,
		CoeffModBits: p.CoeffModBits,
		ScaleBits:    p.ScaleBits,
		Security:     p.Security,
		Scheme:       p.Scheme,
	})
}

// MaxPlaintextBytes bounds an encrypt-able plaintext for this
// parameter set, used by internal/validate and internal/engine.
func (p *Params) MaxPlaintextBytes() int {
	// Proportional to ring degree: larger rings pack more slots.
	return int(p.Degree) / 8
}
