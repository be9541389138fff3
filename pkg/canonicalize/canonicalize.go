// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// canonical bytes for ledger payloads, so that fingerprints, trajectory
// hashes, case ids, and query hashes are byte-stable across runs.
//
// Ledger payloads are heterogeneous: arbitrary-precision integers from
// on-chain amounts, raw byte arrays (proof hashes, result data), base58
// addresses, and nested objects. Sanitize folds all of them into a closed
// value algebra (null, bool, number, string, list, object) before
// serialization; Canonical then serializes with lexicographically sorted
// keys and ES6 number formatting via gowebpki/jcs.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/gowebpki/jcs"
)

// maxSafeInteger is the largest integer exactly representable as an IEEE 754
// double. Integers beyond it are sanitized to decimal strings so that JCS
// number normalization cannot lose precision.
const maxSafeInteger = int64(1)<<53 - 1

// Valuer lets domain types (addresses, fingerprints) supply their own
// canonical representation without this package importing them.
type Valuer interface {
	CanonicalValue() any
}

// Sanitize recursively converts v into the closed value algebra:
// nil, bool, json.Number, string, []any, map[string]any.
//
// Concrete conversions:
//   - signed/unsigned integers: json.Number if within ±2^53-1, else a
//     decimal string
//   - *big.Int / big.Int: same safe-integer rule
//   - []byte: lowercase hex string
//   - floats: json.Number in shortest round-trip form
//   - Valuer implementations: their CanonicalValue, sanitized recursively
//   - everything else (structs, typed maps/slices): JSON round-trip with
//     UseNumber, then sanitized recursively
func Sanitize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return t, nil
	case json.Number:
		return sanitizeNumber(t)
	case int:
		return safeInt(int64(t)), nil
	case int8:
		return safeInt(int64(t)), nil
	case int16:
		return safeInt(int64(t)), nil
	case int32:
		return safeInt(int64(t)), nil
	case int64:
		return safeInt(t), nil
	case uint:
		return safeUint(uint64(t)), nil
	case uint8:
		return safeUint(uint64(t)), nil
	case uint16:
		return safeUint(uint64(t)), nil
	case uint32:
		return safeUint(uint64(t)), nil
	case uint64:
		return safeUint(t), nil
	case float32:
		return json.Number(strconv.FormatFloat(float64(t), 'g', -1, 64)), nil
	case float64:
		return json.Number(strconv.FormatFloat(t, 'g', -1, 64)), nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		return safeBig(t), nil
	case big.Int:
		return safeBig(&t), nil
	case []byte:
		return hex.EncodeToString(t), nil
	case Valuer:
		return Sanitize(t.CanonicalValue())
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			s, err := Sanitize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			s, err := Sanitize(val)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	default:
		return sanitizeViaJSON(v)
	}
}

// sanitizeViaJSON funnels arbitrary typed values (structs, typed maps and
// slices) through encoding/json into the generic algebra. UseNumber keeps
// large integers intact for the safe-integer check.
func sanitizeViaJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: unsupported value %T: %w", v, err)
	}
	var generic any
	if err := decodeUseNumber(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode of %T: %w", v, err)
	}
	return Sanitize(generic)
}

func sanitizeNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return safeInt(i), nil
	}
	// Either a float or an integer outside int64 range.
	if _, err := n.Float64(); err == nil {
		if bi, ok := new(big.Int).SetString(n.String(), 10); ok {
			return safeBig(bi), nil
		}
		return n, nil
	}
	return nil, fmt.Errorf("canonicalize: malformed number %q", n.String())
}

func safeInt(i int64) any {
	if i > maxSafeInteger || i < -maxSafeInteger {
		return strconv.FormatInt(i, 10)
	}
	return json.Number(strconv.FormatInt(i, 10))
}

func safeUint(u uint64) any {
	if u > uint64(maxSafeInteger) {
		return strconv.FormatUint(u, 10)
	}
	return json.Number(strconv.FormatUint(u, 10))
}

func safeBig(b *big.Int) any {
	if b.IsInt64() {
		return safeInt(b.Int64())
	}
	return b.String()
}

// Canonical returns the RFC 8785 canonical JSON bytes of v. Map keys are
// sorted by UTF-8 bytes, HTML escaping is disabled, numbers use ES6
// serialization. The sanitizer guarantees no number present can lose
// precision under that serialization.
func Canonical(v any) ([]byte, error) {
	s, err := Sanitize(v)
	if err != nil {
		return nil, err
	}
	intermediate, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalString returns Canonical(v) as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SortedKeys returns the keys of m in lexicographic order. Every
// ordering-sensitive walk over a map in this repository goes through it
// rather than relying on range order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeUseNumber(raw []byte, into *any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(into)
}
