package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind tags the payload of a record. Payload bytes are opaque to the
// store; the tag travels with them so readers can route decoding.
type Kind uint16

const (
	KindScalar Kind = iota + 1
	KindTensor
	KindImage
	KindHistogram
	KindText
	KindBlob
)

var kindNames = map[Kind]string{
	KindScalar:    "scalar",
	KindTensor:    "tensor",
	KindImage:     "image",
	KindHistogram: "histogram",
	KindText:      "text",
	KindBlob:      "blob",
}

var kindValues = map[string]Kind{
	"scalar":    KindScalar,
	"tensor":    KindTensor,
	"image":     KindImage,
	"histogram": KindHistogram,
	"text":      KindText,
	"blob":      KindBlob,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	if k, ok := kindValues[s]; ok {
		return k, nil
	}
	return 0, errors.Errorf("unknown record kind %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Record is the unit of ingestion: one typed payload for one
// (run, key) stream, optionally bound to a step index.
type Record struct {
	Kind      Kind    `json:"kind"`
	Step      *uint64 `json:"step,omitempty"`
	Timestamp uint64  `json:"timestamp"`
	Payload   []byte  `json:"payload"`
}

// NewStepRecord builds a scalar record carrying the given fields at a step.
func NewStepRecord(step uint64, fields Fields) (Record, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return Record{}, errors.Wrap(err, "failed to encode step fields")
	}
	s := step
	return Record{
		Kind:      KindScalar,
		Step:      &s,
		Timestamp: uint64(time.Now().UnixNano()),
		Payload:   payload,
	}, nil
}

// NewRecord builds a one-shot record without a step index.
func NewRecord(kind Kind, payload []byte) Record {
	return Record{
		Kind:      kind,
		Timestamp: uint64(time.Now().UnixNano()),
		Payload:   payload,
	}
}

func EncodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, errors.Wrap(err, "failed to decode record")
	}
	if r.Kind.String() == "unknown" {
		return Record{}, errors.New("record kind missing")
	}
	return r, nil
}

// ValidateKey rejects keys that would escape the run directory or
// produce unreadable stream names. Slashes are allowed so callers can
// namespace keys ("images/sample.png").
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("key is empty")
	}
	if strings.HasPrefix(key, "/") {
		return errors.New("key cannot be absolute")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.Errorf("invalid key %q", key)
		}
	}
	return nil
}
