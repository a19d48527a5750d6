// Package canon provides the single canonical-JSON encoder and hashing
// rule used for the module's JSON content hashes: ledger commit ids,
// resource versions, and consumer state commits. The audit id and the OCC
// advisory-lock key hash plain strings with crypto/sha256 directly and do
// not go through this package.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// JSON renders v as deterministic JSON: object keys sorted, no extraneous
// whitespace. It round-trips through encoding/json to normalize numeric
// and string representations, then reorders map keys recursively.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Hash returns the full hex-encoded SHA-256 of v's canonical JSON.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CommitHash truncates a full hash to the first n hex characters, the
// rule used for resource version and ledger commit ids (n=12).
func CommitHash(v any, n int) (string, error) {
	full, err := Hash(v)
	if err != nil {
		return "", err
	}
	if n > len(full) {
		n = len(full)
	}
	return full[:n], nil
}

// Int64Key derives a signed int64 from the first 8 bytes of the SHA-256
// of tag+"|"+id, for use as a Postgres advisory-lock key argument. No
// caller in this module uses it; occ.AdvisoryLockKey derives its key itself.
func Int64Key(tag, id string) int64 {
	sum := sha256.Sum256([]byte(tag + "|" + id))
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(sum[i])
	}
	return int64(v)
}
