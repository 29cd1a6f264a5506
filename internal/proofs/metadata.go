package proofs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	xerrors "PromptProof-Chain/internal/errors"
)

// Well-known metadata keys.
const (
	MetadataKeyNormalization = "normalization"
	MetadataKeyModel         = "ai_model"
	MetadataKeyProject       = "project"
	MetadataKeyProofType     = "proof_type"
	MetadataKeyAuthor        = "author"
	MetadataKeyOrganization  = "organization"
)

// MetadataEntry is a single key/value pair.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is an ordered list of string key/value pairs. Order is preserved
// through encoding. Duplicate keys are representable so callers get a precise
// DUPLICATE_METADATA_KEY error from Validate instead of a silent overwrite.
type Metadata []MetadataEntry

// NewMetadata builds metadata from alternating key, value arguments.
// A trailing key without a value gets an empty value.
func NewMetadata(kv ...string) Metadata {
	md := make(Metadata, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		entry := MetadataEntry{Key: kv[i]}
		if i+1 < len(kv) {
			entry.Value = kv[i+1]
		}
		md = append(md, entry)
	}
	return md
}

// Get returns the value of the first entry with key.
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// With returns a copy with an entry appended.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	return append(out, MetadataEntry{Key: key, Value: value})
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	copy(out, m)
	return out
}

// Map flattens the metadata; useful for display only since order is lost.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, e := range m {
		out[e.Key] = e.Value
	}
	return out
}

// Validate checks keys are non-empty, unique and that keys and values are
// valid UTF-8.
func (m Metadata) Validate() error {
	seen := make(map[string]struct{}, len(m))
	for i, e := range m {
		if !utf8.ValidString(e.Key) || !utf8.ValidString(e.Value) {
			return xerrors.New(xerrors.CodeEncoding, fmt.Sprintf("metadata entry %d is not valid UTF-8", i))
		}
		if strings.TrimSpace(e.Key) == "" {
			return xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("metadata entry %d has an empty key", i))
		}
		if _, dup := seen[e.Key]; dup {
			return xerrors.New(xerrors.CodeDuplicateMetadataKey, fmt.Sprintf("metadata key %q appears more than once", e.Key),
				xerrors.WithMetadata(xerrors.MetaField, e.Key))
		}
		seen[e.Key] = struct{}{}
	}
	return nil
}

// MarshalJSON writes a JSON object in entry order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeMetadata(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON reads either a JSON object (order kept, duplicates kept) or
// an array of {"key","value"} entries.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []MetadataEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return err
		}
		*m = Metadata(entries)
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("metadata must be a JSON object")
	}
	out := Metadata{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("metadata key must be a string")
		}
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		value, ok := valTok.(string)
		if !ok {
			return fmt.Errorf("metadata value for %q must be a string", key)
		}
		out = append(out, MetadataEntry{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after metadata object")
	}
	*m = out
	return nil
}
