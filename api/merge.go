package api

import "encoding/json"

// Fields is the logical value of one step: field name to value.
type Fields map[string]interface{}

// Merge unions old and new field sets. Fields present in both keep the
// value from new. Neither input is mutated.
func Merge(old, new Fields) Fields {
	out := make(Fields, len(old)+len(new))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range new {
		out[k] = v
	}
	return out
}

func DecodeFields(b []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func EncodeFields(f Fields) ([]byte, error) {
	return json.Marshal(f)
}
