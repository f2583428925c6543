// Package cache provides the tenant-partitioned response cache.
//
// Every key carries the effective tenant, so entries written for one tenant
// can never be read under another. Values must be stored only after DLP
// redaction; the cache itself does not inspect them.
//
// Example usage:
//
//	store := cache.NewMemory[Result](10000)
//	key := cache.NewKey("T1", "What is the late-payment fee?")
//	_ = store.Put(ctx, key, result, 5*time.Minute)
//	got, ok, err := store.Get(ctx, key)
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrInvalidKey is returned for keys without a tenant or question.
var ErrInvalidKey = errors.New("cache key requires tenant and question")

// Key identifies a cached answer.
//
// Unredacted marks entries computed for callers exempt from redaction. They
// live in their own partition so a standard caller can never be served an
// answer that skipped DLP.
type Key struct {
	Tenant     string `json:"tenant"`
	Question   string `json:"question"`
	Unredacted bool   `json:"unredacted"`
}

// NewKey builds a key from the effective tenant and the raw question.
func NewKey(tenant, question string) Key {
	return Key{Tenant: tenant, Question: Normalize(question)}
}

// Normalize trims, collapses inner whitespace and lowercases a question.
// The result is only used for keys; prompts keep the caller's casing.
func Normalize(question string) string {
	return strings.ToLower(strings.Join(strings.Fields(question), " "))
}

// Valid reports whether both components are set.
func (k Key) Valid() bool {
	return k.Tenant != "" && k.Question != ""
}

// Digest is the SHA-256 of the RFC 8785 canonical JSON form of the key. It
// is stable across processes and languages and is used as the storage key
// for shared backends.
func (k Key) Digest() string {
	raw, err := json.Marshal(k)
	if err != nil {
		// Marshalling two strings cannot fail.
		panic(err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Store is a TTL key-value store for redacted results.
//
// Get returns ok=false for absent and expired entries alike. Put replaces
// any previous value for the key atomically.
type Store[V any] interface {
	Get(ctx context.Context, key Key) (V, bool, error)
	Put(ctx context.Context, key Key, value V, ttl time.Duration) error
}
