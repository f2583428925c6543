package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCredential is returned when no credential was presented.
	ErrMissingCredential = errors.New("missing credential")

	// ErrUnknownCredential is returned when a credential maps to no identity.
	ErrUnknownCredential = errors.New("unknown credential")
)

// Resolver turns an inbound credential into an Identity. API keys are the
// only scheme today; token-based schemes plug in behind the same interface.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, credential string) (Identity, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// Record is one entry of a key registry. Exactly one of Key or KeySHA256
// must be set; registries checked into config should use KeySHA256.
type Record struct {
	Key       string   `yaml:"key,omitempty"`
	KeySHA256 string   `yaml:"key_sha256,omitempty"`
	UserID    string   `yaml:"user_id"`
	Tenants   []string `yaml:"tenants"`
	DLPLevel  string   `yaml:"dlp_level"`
}

// Digest returns the hex SHA-256 of a credential.
func Digest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// StaticResolver maps credential digests to identities. Raw keys are never
// retained.
type StaticResolver struct {
	entries []entry
}

type entry struct {
	digest []byte
	id     Identity
}

// NewStaticResolver validates records and indexes them by digest.
//
// A record with an empty tenant list is accepted: such callers authenticate
// but every query fails as unauthorized. A malformed tenant ID rejects the
// whole registry.
func NewStaticResolver(records []Record) (*StaticResolver, error) {
	r := &StaticResolver{entries: make([]entry, 0, len(records))}
	seen := make(map[string]bool, len(records))
	for i, rec := range records {
		digest, err := recordDigest(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if strings.TrimSpace(rec.UserID) == "" {
			return nil, fmt.Errorf("record %d: user_id is required", i)
		}
		level, err := ParseDLPLevel(rec.DLPLevel)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		for _, tenant := range rec.Tenants {
			if !ValidTenantID(tenant) {
				return nil, fmt.Errorf("record %d: %w: %q", i, ErrInvalidTenant, tenant)
			}
		}
		if seen[digest] {
			return nil, fmt.Errorf("record %d: duplicate credential", i)
		}
		seen[digest] = true
		raw, _ := hex.DecodeString(digest)
		r.entries = append(r.entries, entry{digest: raw, id: New(rec.UserID, rec.Tenants, level)})
	}
	return r, nil
}

func recordDigest(rec Record) (string, error) {
	switch {
	case rec.Key != "" && rec.KeySHA256 != "":
		return "", errors.New("set key or key_sha256, not both")
	case rec.Key != "":
		return Digest(rec.Key), nil
	case rec.KeySHA256 != "":
		d := strings.ToLower(strings.TrimSpace(rec.KeySHA256))
		if b, err := hex.DecodeString(d); err != nil || len(b) != sha256.Size {
			return "", errors.New("key_sha256 must be 64 hex characters")
		}
		return d, nil
	default:
		return "", errors.New("key or key_sha256 is required")
	}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	sum := sha256.Sum256([]byte(credential))

	// Every entry is compared so timing does not reveal which one matched.
	match := -1
	for i := range r.entries {
		if subtle.ConstantTimeCompare(r.entries[i].digest, sum[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return Identity{}, ErrUnknownCredential
	}
	return r.entries[match].id, nil
}

// Len returns the number of registered credentials.
func (r *StaticResolver) Len() int { return len(r.entries) }

// DemoRecords are the development identities: one standard and one
// privileged caller scoped to the same tenant.
func DemoRecords() []Record {
	return []Record{
		{Key: "demo-key-cli-81093", UserID: "CLI-81093", Tenants: []string{"CLI-81093"}, DLPLevel: string(DLPStandard)},
		{Key: "demo-key-cli-81093-ops", UserID: "CLI-81093-ops", Tenants: []string{"CLI-81093"}, DLPLevel: string(DLPPrivileged)},
	}
}
