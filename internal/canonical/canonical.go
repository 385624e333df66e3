// Package canonical produces a byte-stable JSON form of any value and SHA-256
// fingerprints over it. Object keys are emitted in lexicographic order,
// numbers are normalized to their minimal decimal string, and array order is
// preserved as given (arrays are semantic).
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrorCode is attached to canonicalization failures so callers can surface a
// stable reason code.
const ErrorCode = "CANONICALIZATION_ERROR"

// Marshal returns the canonical JSON bytes of v.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCode, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCode, err)
	}
	var buf bytes.Buffer
	if err := write(&buf, tree); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCode, err)
	}
	return buf.Bytes(), nil
}

// MarshalExcluding canonicalizes v with the given dotted paths removed.
// Paths address object keys from the root, e.g. "created_at" or
// "evidence_bundle.hashes.artifact_hash".
func MarshalExcluding(v interface{}, paths ...string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCode, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCode, err)
	}
	for _, p := range paths {
		removePath(tree, strings.Split(p, "."))
	}
	var buf bytes.Buffer
	if err := write(&buf, tree); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCode, err)
	}
	return buf.Bytes(), nil
}

// Hash returns "sha256:" + hex(SHA256(canonical(v))).
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashExcluding hashes the canonical form with volatile paths removed.
func HashExcluding(v interface{}, paths ...string) (string, error) {
	b, err := MarshalExcluding(v, paths...)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes fingerprints already-canonical bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func removePath(tree interface{}, path []string) {
	if len(path) == 0 {
		return
	}
	m, ok := tree.(map[string]interface{})
	if !ok {
		return
	}
	if len(path) == 1 {
		delete(m, path[0])
		return
	}
	removePath(m[path[0]], path[1:])
}

func write(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case json.Number:
		buf.WriteString(normalizeNumber(t))
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := write(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported atom %T", v)
	}
	return nil
}

// normalizeNumber renders a JSON number as its minimal decimal string: no
// exponent, no trailing fraction zeros, no trailing dot.
func normalizeNumber(n json.Number) string {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		// Not parseable as a decimal; keep the literal.
		return n.String()
	}
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}
