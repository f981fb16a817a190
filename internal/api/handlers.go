package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/cipher-gateway/internal/gwerrors"
	"github.com/ocx/cipher-gateway/internal/params"
	"github.com/ocx/cipher-gateway/internal/upstream"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError translates any error into spec.md §7's wire format: one
// JSON body with the taxonomy code, a message, and optional details,
// at the status the taxonomy code (or an explicit override) names.
func writeError(w http.ResponseWriter, err error) {
	gerr, ok := gwerrors.As(err)
	if !ok {
		gerr = gwerrors.Wrap(gwerrors.Internal, err, "unexpected error")
	}
	writeJSON(w, gerr.HTTPStatus(), map[string]interface{}{
		"code":    gerr.Code,
		"message": gerr.Message,
		"details": gerr.Details,
	})
}

func pathID(r *http.Request, key string) (uuid.UUID, error) {
	raw, ok := mux.Vars(r)[key]
	if !ok {
		return uuid.Nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: missing path parameter %q", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed id %q", raw)
	}
	return id, nil
}

// --- Key lifecycle -------------------------------------------------

type generateKeysRequest struct {
	Degree        uint32 `json:"degree"`
	CoeffModBits  []int  `json:"coeff_mod_bits"`
	ScaleBits     int    `json:"scale_bits"`
	SecurityLevel int    `json:"security_level"`
	TenantTag     string `json:"tenant_tag"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

func (s *Server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	var req generateKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: %v", err))
		return
	}

	p, err := params.New(req.Degree, req.CoeffModBits, req.ScaleBits, params.SecurityLevel(req.SecurityLevel))
	if err != nil {
		writeError(w, err)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	clientID, serverID, err := s.orch.GenerateKeys(p, req.TenantTag, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"client_id": clientID.String(),
		"server_id": serverID.String(),
	})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "client_id")
	if err != nil {
		writeError(w, err)
		return
	}
	newServerID, err := s.orch.Rotate(clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"server_id": newServerID.String()})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "client_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.Revoke(clientID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Ciphertext operations ------------------------------------------

type encryptRequest struct {
	ClientID  string `json:"client_id"`
	Plaintext string `json:"plaintext"` // base64
}

func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: %v", err))
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed client_id"))
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: plaintext is not valid base64"))
		return
	}

	id, err := s.orch.Encrypt(r.Context(), clientID, plaintext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ciphertext_id": id.String()})
}

type decryptRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: %v", err))
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed client_id"))
		return
	}

	plaintext, err := s.orch.Decrypt(r.Context(), clientID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
}

type concatRequest struct {
	ClientID string `json:"client_id"`
	A        string `json:"a"`
	B        string `json:"b"`
}

func (s *Server) handleConcat(w http.ResponseWriter, r *http.Request) {
	var req concatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: %v", err))
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed client_id"))
		return
	}
	aID, err := uuid.Parse(req.A)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed id %q", req.A))
		return
	}
	bID, err := uuid.Parse(req.B)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed id %q", req.B))
		return
	}

	id, err := s.orch.Concat(r.Context(), clientID, aID, bID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ciphertext_id": id.String()})
}

type refreshRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: %v", err))
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed client_id"))
		return
	}

	newID, err := s.orch.Refresh(r.Context(), clientID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ciphertext_id": newID.String()})
}

func (s *Server) handleGetCiphertext(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	vr, err := s.orch.Validate(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     vr.Status,
		"noise":      vr.Noise,
		"size":       vr.SizeBytes,
		"parameters": vr.Parameters,
	})
}

func (s *Server) handleDeleteCiphertext(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Upstream submission ---------------------------------------------

type upstreamSubmitRequest struct {
	ClientID     string `json:"client_id"`
	CiphertextID string `json:"ciphertext_id"`
}

func (s *Server) handleUpstreamSubmit(w http.ResponseWriter, r *http.Request) {
	var req upstreamSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: %v", err))
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed client_id"))
		return
	}
	ciphertextID, err := uuid.Parse(req.CiphertextID)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed ciphertext_id"))
		return
	}

	resultID, err := s.orch.SubmitUpstream(r.Context(), clientID, ciphertextID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ciphertext_id": resultID.String()})
}

// handleUpstreamStream relays the upstream provider's streaming
// response over Server-Sent Events: `event: delta` with
// `{delta_content_ciphertext, noise_budget}` per chunk, a terminal
// `event: done`. Per spec.md §9's Open Question on per-event
// noise-budget semantics, noise_budget reports the source
// ciphertext's noise on every event — constant and so trivially
// monotonically non-increasing, since an upstream op carries its
// parent's noise through unchanged (internal/orchestrator.SubmitUpstream
// never debits a local noise cost for it; this stream reports the same
// quantity before that result ciphertext is ever recorded).
//
// Grounded on the teacher's internal/handlers.HandleSSEStream: same
// Content-Type/Cache-Control/Connection headers, same
// http.Flusher-per-event loop, same context-cancellation exit path.
func (s *Server) handleUpstreamStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	clientIDRaw := r.URL.Query().Get("client_id")
	clientID, err := uuid.Parse(clientIDRaw)
	if err != nil {
		writeError(w, gwerrors.Newf(gwerrors.InvalidRequest, "invalid-request: malformed client_id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gwerrors.New(gwerrors.Internal, "streaming-not-supported"))
		return
	}

	vr, err := s.orch.Validate(id)
	if err != nil {
		writeError(w, err)
		return
	}

	ch, err := s.orch.StreamUpstream(r.Context(), clientID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			sendChunk(w, flusher, chunk, vr.Noise)
			if chunk.Done {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func sendEvent(w http.ResponseWriter, f http.Flusher, event string, payload interface{}) {
	body, _ := json.Marshal(payload)
	w.Write([]byte("event: " + event + "\ndata: "))
	w.Write(body)
	w.Write([]byte("\n\n"))
	f.Flush()
}

func sendChunk(w http.ResponseWriter, f http.Flusher, chunk upstream.Chunk, noiseBudget int) {
	if chunk.Done {
		sendEvent(w, f, "done", map[string]interface{}{"noise_budget": noiseBudget})
		return
	}
	sendEvent(w, f, "delta", map[string]interface{}{
		"delta_content_ciphertext": base64.StdEncoding.EncodeToString(chunk.Data),
		"noise_budget":             noiseBudget,
	})
}

// --- Privacy accounting ----------------------------------------------

func (s *Server) handleGetAccounting(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	snap := s.orch.Accountant.Snapshot(principal)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleResetAccounting(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	s.orch.Accountant.Reset(principal)
	w.WriteHeader(http.StatusNoContent)
}
