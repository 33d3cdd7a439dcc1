package exchange

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/luno/jettison/errors"
)

// defaultIgnoreFields are volatile top-level fields excluded from hashing so
// that two payloads differing only in bookkeeping still hash identically.
var defaultIgnoreFields = []string{
	"created_at",
	"updated_at",
	"metadata",
	"version",
	"data_hash",
	"content_hash",
	"last_processed_at",
	"processing_history",
}

// HashConfig narrows which parts of a payload participate in the content
// hash. KeyFields, when set, wins over IgnoreFields: only the named fields
// are hashed. Nested fields use dot notation ("customer.id").
type HashConfig struct {
	KeyFields    []string
	IgnoreFields []string
}

// ContentHash returns the hex encoded sha256 of the canonical form of the
// payload. Map keys are serialised in sorted order at every depth so the same
// logical content always produces the same hash.
func ContentHash(content map[string]any, cfg *HashConfig) (string, error) {
	var subject map[string]any
	switch {
	case cfg != nil && len(cfg.KeyFields) > 0:
		subject = make(map[string]any, len(cfg.KeyFields))
		for _, field := range cfg.KeyFields {
			if v, ok := lookupPath(content, field); ok {
				subject[field] = v
			}
		}
	default:
		ignore := defaultIgnoreFields
		if cfg != nil && len(cfg.IgnoreFields) > 0 {
			ignore = cfg.IgnoreFields
		}
		subject = make(map[string]any, len(content))
		for k, v := range content {
			if contains(ignore, k) {
				continue
			}
			subject[k] = v
		}
	}

	// encoding/json writes map keys in sorted order which gives us the
	// canonical form for free.
	b, err := Marshal(&subject)
	if err != nil {
		return "", errors.Wrap(err, "canonicalise content for hashing")
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// lookupPath resolves a dot separated path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
