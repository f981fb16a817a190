package sdk

import "time"

// GenerateKeysRequest requests a fresh client/server key pair under a
// parameter set, per spec.md §6's POST /v1/keys.
type GenerateKeysRequest struct {
	Degree        uint32 `json:"degree"`
	CoeffModBits  []int  `json:"coeff_mod_bits"`
	ScaleBits     int    `json:"scale_bits"`
	SecurityLevel int    `json:"security_level"`
	TenantTag     string `json:"tenant_tag,omitempty"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty"`
}

// KeyPair is the id pair returned by GenerateKeys.
type KeyPair struct {
	ClientID string `json:"client_id"`
	ServerID string `json:"server_id"`
}

// CiphertextRef is the id returned by any operation that produces a
// new ciphertext (Encrypt, Concat, Refresh, SubmitUpstream).
type CiphertextRef struct {
	CiphertextID string `json:"ciphertext_id"`
}

// CiphertextStatus is the read-only view returned by GetCiphertext.
type CiphertextStatus struct {
	Status string `json:"status"`
	Noise  int    `json:"noise"`
}

// AccountingSnapshot mirrors internal/accountant.Snapshot, the
// principal's privacy-budget ledger state.
type AccountingSnapshot struct {
	Principal        string    `json:"Principal"`
	TotalEpsilon      float64   `json:"TotalEpsilon"`
	ConsumedEpsilon  float64   `json:"ConsumedEpsilon"`
	RemainingEpsilon float64   `json:"RemainingEpsilon"`
	WindowStart      time.Time `json:"WindowStart"`
}

// StreamEvent is one Server-Sent Event relayed by StreamUpstream: a
// "delta" event carries one ciphertext chunk, a terminal "done" event
// carries only the final noise budget.
type StreamEvent struct {
	Event                  string `json:"-"`
	DeltaContentCiphertext string `json:"delta_content_ciphertext,omitempty"`
	NoiseBudget            int    `json:"noise_budget"`
}

// APIError is the wire shape of spec.md §7's error taxonomy, returned
// as the body of any non-2xx response.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
