package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type QueryParam struct {
	Key   string
	Value string
}

// Query is an ordered key/value list. It encodes as a JSON object whose keys
// keep their original order.
type Query []QueryParam

// ParseRawQuery keeps the first value of every key, in the order keys first
// appear. Pairs that fail to unescape are kept verbatim.
func ParseRawQuery(raw string) Query {
	var q Query
	seen := make(map[string]struct{})
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		q = append(q, QueryParam{Key: k, Value: v})
	}
	return q
}

func (q Query) MarshalJSON() ([]byte, error) {
	if q == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range q {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an object of scalar values. Non-string scalars are
// kept as their JSON text.
func (q *Query) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*q = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("query must be a JSON object, got %v", tok)
	}

	out := Query{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		out = append(out, QueryParam{Key: key, Value: s})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*q = out
	return nil
}
