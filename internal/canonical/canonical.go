// Package canonical produces deterministic JSON used for request ids and audit chain hashes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns deterministic JSON for any JSON-encodable value.
// Object keys are sorted, array order is kept, numbers keep their textual form.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SumHex returns the hex SHA-256 of Marshal(v).
func SumHex(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ChainHash computes SHA256(canonical(payload) || prevHashBytes). An empty prevHex starts a chain.
func ChainHash(payload interface{}, prevHex string) ([]byte, error) {
	b, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	if prevHex != "" {
		prev, err := hex.DecodeString(prevHex)
		if err != nil {
			return nil, fmt.Errorf("decode prev hash: %w", err)
		}
		b = append(b, prev...)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

func write(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(x.String())
	case string, float64:
		b, _ := json.Marshal(x)
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
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
			if err := write(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case json.RawMessage:
		return reencode(buf, x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Errorf("canonical: marshal %T: %w", v, err)
		}
		return reencode(buf, b)
	}
	return nil
}

func reencode(buf *bytes.Buffer, raw []byte) error {
	var tmp interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tmp); err != nil {
		return fmt.Errorf("canonical: decode: %w", err)
	}
	return write(buf, tmp)
}
