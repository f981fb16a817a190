// Package persistence implements the optional persisted-state adapter
// named in spec.md §6: a Redis-backed snapshot/restore for the
// Ciphertext Store, so a restart does not cold-lose in-flight work.
// The client wrapper itself is adapted directly from the teacher's
// internal/infra.GoRedisAdapter (dial, ping-on-connect, go-redis v9).
//
// Key material in internal/keystore is deliberately out of scope here:
// exporting private-key generations safely (zeroization, copy-on-write
// semantics around rotation/grace windows) is a materially harder
// problem than snapshotting ciphertext payloads, and spec.md §6 marks
// persistence optional. Ciphertexts carry no secret key material, so
// snapshotting them is the low-risk half of the problem; keystore
// persistence is left as a gap, recorded in DESIGN.md.
package persistence

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/hkdf"

	"github.com/ocx/cipher-gateway/internal/ciphertext"
	"github.com/ocx/cipher-gateway/internal/params"
)

const snapshotKey = "gateway:ciphertexts:snapshot"

// Store wraps go-redis v9, matching the teacher's GoRedisAdapter shape:
// one struct holding the client, a constructor that dials and pings
// before returning, and a Close.
type Store struct {
	rdb *redis.Client
	box *sealer
}

// Open connects to addr/db and verifies connectivity, per the
// teacher's NewGoRedisAdapter. masterSecret seeds the AES-GCM key used
// to wrap every snapshot blob at rest; it is never stored alongside
// the ciphertext, only derived from it via HKDF.
func Open(addr, password string, db int, masterSecret string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	box, err := newSealer(masterSecret)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	slog.Info("persistence store connected", "addr", addr, "db", db)
	return &Store{rdb: rdb, box: box}, nil
}

// Close shuts down the underlying redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// wireRecord is the JSON-safe projection of a ciphertext.Record:
// params.Params carries an unexported content-hash field that doesn't
// round-trip through encoding/json, so parameters are stored as the
// four inputs to params.New and reconstructed deterministically on
// load (params.New recomputes the same hash from the same inputs).
type wireRecord struct {
	ID           uuid.UUID        `json:"id"`
	Owner        uuid.UUID        `json:"owner"`
	Payload      []byte           `json:"payload"`
	SizeBytes    int              `json:"size_bytes"`
	Noise        int              `json:"noise"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	Origin       ciphertext.Origin `json:"origin"`
	Lineage      []uuid.UUID      `json:"lineage"`
	Degree       uint32           `json:"degree"`
	CoeffModBits []int            `json:"coeff_mod_bits"`
	ScaleBits    int              `json:"scale_bits"`
	Security     params.SecurityLevel `json:"security"`
	Status       ciphertext.Status `json:"status"`
}

// SaveCiphertexts snapshots every active record in store and writes
// it to Redis as one sealed blob, per spec.md §6's "flush to on
// shutdown".
func (s *Store) SaveCiphertexts(ctx context.Context, store *ciphertext.Store) error {
	records := store.Snapshot()
	wire := make([]wireRecord, 0, len(records))
	for _, r := range records {
		wire = append(wire, wireRecord{
			ID:           r.ID,
			Owner:        r.Owner,
			Payload:      r.Payload,
			SizeBytes:    r.SizeBytes,
			Noise:        r.Noise,
			CreatedAt:    r.CreatedAt,
			ExpiresAt:    r.ExpiresAt,
			Origin:       r.Origin,
			Lineage:      r.Lineage,
			Degree:       r.Parameters.Degree,
			CoeffModBits: r.Parameters.CoeffModBits,
			ScaleBits:    r.Parameters.ScaleBits,
			Security:     r.Parameters.Security,
			Status:       r.Status,
		})
	}

	plain, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	sealed, err := s.box.seal(plain)
	if err != nil {
		return fmt.Errorf("seal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey, sealed, 0).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	slog.Info("persistence snapshot saved", "records", len(wire))
	return nil
}

// LoadCiphertexts restores a prior snapshot into store, per spec.md
// §6's "warm-load from on start". A missing key is not an error: a
// fresh deployment has nothing to restore.
func (s *Store) LoadCiphertexts(ctx context.Context, store *ciphertext.Store) (int, error) {
	sealed, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	plain, err := s.box.open(sealed)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}

	var wire []wireRecord
	if err := json.Unmarshal(plain, &wire); err != nil {
		return 0, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	records := make([]ciphertext.Record, 0, len(wire))
	for _, w := range wire {
		p, err := params.New(w.Degree, w.CoeffModBits, w.ScaleBits, w.Security)
		if err != nil {
			slog.Warn("dropping snapshot record with invalid parameters", "id", w.ID, "error", err)
			continue
		}
		records = append(records, ciphertext.Record{
			ID:         w.ID,
			Owner:      w.Owner,
			Payload:    w.Payload,
			SizeBytes:  w.SizeBytes,
			Noise:      w.Noise,
			CreatedAt:  w.CreatedAt,
			ExpiresAt:  w.ExpiresAt,
			Origin:     w.Origin,
			Lineage:    w.Lineage,
			Parameters: p,
			Status:     w.Status,
		})
	}

	restored := store.Restore(records)
	slog.Info("persistence snapshot loaded", "restored", restored, "seen", len(wire))
	return restored, nil
}

// sealer wraps a snapshot blob with AES-256-GCM under a key derived
// via HKDF-SHA256 from a configured secret, per spec.md §6: "wrapped
// key material is stored under a process-local master key derived via
// HKDF from a configured secret, never in the clear." Applied here to
// ciphertext-store snapshots, the one kind of persisted state this
// package currently handles.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(secret string) (*sealer, error) {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("cipher-gateway/persistence/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{gcm: gcm}, nil
}

func (s *sealer) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	n := s.gcm.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce, ct := sealed[:n], sealed[n:]
	return s.gcm.Open(nil, nonce, ct, nil)
}
