// Package idempotency replays responses for retried mutating requests keyed by the Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// DefaultTTL is how long records are retained.
	DefaultTTL = 24 * time.Hour

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"

	keyPrefix = "idem:"
)

// ReservationState describes the outcome of attempting to reserve an idempotency key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request is still processing this key.
	ReservationStatePending
)

// Reservation is the result of Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted form of a key.
type Record struct {
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody    []byte              `json:"responseBody,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// Response is the HTTP response stored for replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists idempotency reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// RedisStore keeps records as JSON strings with a TTL.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore builds a Store over client.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	redisKey := storageKey(key)
	pending := Record{Fingerprint: fingerprint, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	payload, err := json.Marshal(pending)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if ok {
		return Reservation{State: ReservationStateNew, Record: pending}, nil
	}

	existing, err := s.load(ctx, redisKey)
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; treat as busy so the client retries
		return Reservation{State: ReservationStatePending}, nil
	}
	if err != nil {
		return Reservation{}, err
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if existing.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: existing}, nil
	}
	return Reservation{State: ReservationStatePending, Record: existing}, nil
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	redisKey := storageKey(key)
	existing, err := s.load(ctx, redisKey)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	created := existing.CreatedAt
	if created.IsZero() {
		created = now
	}

	record := Record{
		Fingerprint:     fingerprint,
		Status:          StatusCompleted,
		ResponseStatus:  resp.Status,
		ResponseHeaders: sanitizeHeaders(resp.Headers),
		ResponseBody:    resp.Body,
		CreatedAt:       created,
		UpdatedAt:       now,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release drops a pending reservation so the client may retry. Completed records are left alone.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	redisKey := storageKey(key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Bytes()
		if err != nil {
			return err
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if record.Fingerprint != fingerprint || record.Status != StatusPending {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			return nil
		})
		return err
	}, redisKey)
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, redisKey string) (Record, error) {
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("idempotency: load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}

func storageKey(key string) string {
	return keyPrefix + sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if shouldOmitHeader(canonical) {
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func shouldOmitHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "date", "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailers", "transfer-encoding", "upgrade":
		return true
	default:
		return false
	}
}
