package scalyr

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// Attribute is a single key/value pair of an attribute mapping.
type Attribute struct {
	Key   string
	Value string
}

// Attributes is a string mapping that keeps insertion order. The Scalyr
// agent treats attribute order as meaningful, so a plain map does not cut it.
type Attributes []Attribute

// Set appends the pair, replacing the value in place if the key exists.
func (a *Attributes) Set(key, value string) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Key: key, Value: value})
}

// Get returns the value for key and whether it is present.
func (a Attributes) Get(key string) (string, bool) {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// MarshalJSON renders the mapping as a JSON object in insertion order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
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

// ParseAttributes decodes a JSON object of string values into an Attributes
// mapping, preserving the document order of the keys.
func ParseAttributes(raw string) (Attributes, error) {
	if raw == "" {
		return nil, nil
	}
	parsed := gjson.Parse(raw)
	if !gjson.Valid(raw) || !parsed.IsObject() {
		return nil, fmt.Errorf("not a JSON object: %q", raw)
	}
	var attrs Attributes
	parsed.ForEach(func(key, value gjson.Result) bool {
		attrs.Set(key.String(), value.String())
		return true
	})
	return attrs, nil
}
