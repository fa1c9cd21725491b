package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rcmckee/tradewire/internal/domain"
)

// HashRequest produces the canonical SHA-256 fingerprint of a request value.
// The value is serialized as field-ordered JSON so that semantically equal
// requests always hash identically regardless of map iteration order.
func HashRequest(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON serializes v as JSON with object keys sorted at every
// level. The stores use it so persisted values are byte-stable.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("idempotency: marshal value: %w", err)
	}
	canonical, err := canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("idempotency: canonicalize value: %w", err)
	}
	return canonical, nil
}

// canonicalize re-encodes JSON with object keys sorted at every level.
func canonicalize(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(enc)
		return nil
	}
}

// ScopedKey composes the on-wire key from the client key and its scope:
// key | "user:"userID | "account:"accountID, colon-joined.
func ScopedKey(key string, scope domain.IdempotencyScope) string {
	parts := []string{key}
	if scope.UserID != "" {
		parts = append(parts, "user:"+scope.UserID)
	}
	if scope.AccountID != "" {
		parts = append(parts, "account:"+scope.AccountID)
	}
	return strings.Join(parts, ":")
}
