package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzCanonical(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"big":9007199254740993,"neg":-9007199254740993}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := Canonical(v)
		if err != nil {
			return
		}
		b2, err := Canonical(v)
		if err != nil {
			t.Fatal("Canonical returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("canonical form non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		var check any
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("canonical output is not valid JSON: %s", string(b1))
		}

		// Canonical form must be a fixed point.
		b3, err := Canonical(check)
		if err == nil && string(b3) != string(b1) {
			// Numbers round-trip through float64 here, so only flag
			// structural drift on integer-free inputs.
			if !containsNumber(v) {
				t.Errorf("canonical form is not a fixed point:\n  first:  %s\n  again:  %s", b1, b3)
			}
		}
	})
}

func containsNumber(v any) bool {
	switch t := v.(type) {
	case float64, json.Number:
		return true
	case []any:
		for _, e := range t {
			if containsNumber(e) {
				return true
			}
		}
	case map[string]any:
		for _, e := range t {
			if containsNumber(e) {
				return true
			}
		}
	}
	return false
}
