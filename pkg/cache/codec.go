package cache

import (
	"bytes"
	"encoding/json"

	"github.com/cloudsteward/steward/pkg/engine"
)

// decodeJSON decodes a stored payload into v, keeping the digits of large
// integers. Numbers inside records come back as int64 when integral and
// as float64 otherwise, the same shapes providers hand out.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch out := v.(type) {
	case *engine.ResourceSet:
		normalizeRecords(out)
	case *Entry:
		normalizeRecords(out.Value)
	}
	return nil
}

func normalizeRecords(set *engine.ResourceSet) {
	if set == nil {
		return
	}
	for _, r := range set.Records {
		for k, v := range r {
			r[k] = normalizeNumbers(v)
		}
	}
}

func normalizeNumbers(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]interface{}:
		for k, item := range n {
			n[k] = normalizeNumbers(item)
		}
	case []interface{}:
		for i, item := range n {
			n[i] = normalizeNumbers(item)
		}
	}
	return v
}
