package proofs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	xerrors "PromptProof-Chain/internal/errors"
)

// Encode returns the canonical serialization of r. Field order is fixed:
// schema_version, prompt_digest, output_digest, created_at, metadata.
func Encode(r *Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"schema_version":`)
	fmt.Fprintf(&buf, "%d", r.schemaVersion)
	buf.WriteString(`,"prompt_digest":"`)
	buf.WriteString(r.promptDigest.Hex())
	buf.WriteString(`","output_digest":"`)
	buf.WriteString(r.outputDigest.Hex())
	buf.WriteString(`","created_at":"`)
	buf.WriteString(r.createdAt.UTC().Format(TimestampLayout))
	buf.WriteString(`","metadata":`)
	// metadata was validated at build or decode time, so strings always encode.
	_ = writeMetadata(&buf, r.metadata)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeMetadata(buf *bytes.Buffer, md Metadata) error {
	buf.WriteByte('{')
	for i, e := range md {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, e.Key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeString(buf, e.Value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

type wireRecord struct {
	SchemaVersion *int            `json:"schema_version"`
	PromptDigest  *string         `json:"prompt_digest"`
	OutputDigest  *string         `json:"output_digest"`
	CreatedAt     *string         `json:"created_at"`
	Metadata      json.RawMessage `json:"metadata"`
}

// Decode parses bytes read back from a ledger. Anything that does not match
// the canonical schema fails with MALFORMED_RECORD: unknown or missing
// fields, a foreign schema_version, badly sized digests, an unparseable
// timestamp or metadata that is not a unique string-to-string object.
func Decode(data []byte) (*Record, error) {
	if err := checkRecordKeys(data); err != nil {
		return nil, malformed("", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var wire wireRecord
	if err := dec.Decode(&wire); err != nil {
		return nil, malformed("", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, malformed("", errors.New("trailing data after record"))
	}

	if wire.SchemaVersion == nil {
		return nil, malformed("schema_version", errors.New("missing"))
	}
	if *wire.SchemaVersion != SchemaVersion {
		return nil, malformed("schema_version", fmt.Errorf("unsupported version %d", *wire.SchemaVersion))
	}
	if wire.PromptDigest == nil {
		return nil, malformed("prompt_digest", errors.New("missing"))
	}
	promptDigest, err := ParseDigest(*wire.PromptDigest)
	if err != nil {
		return nil, malformed("prompt_digest", err)
	}
	if wire.OutputDigest == nil {
		return nil, malformed("output_digest", errors.New("missing"))
	}
	outputDigest, err := ParseDigest(*wire.OutputDigest)
	if err != nil {
		return nil, malformed("output_digest", err)
	}
	if wire.CreatedAt == nil {
		return nil, malformed("created_at", errors.New("missing"))
	}
	createdAt, err := time.Parse(TimestampLayout, *wire.CreatedAt)
	if err != nil {
		return nil, malformed("created_at", err)
	}

	raw := bytes.TrimSpace(wire.Metadata)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, malformed("metadata", errors.New("missing or not an object"))
	}
	var md Metadata
	if err := md.UnmarshalJSON(raw); err != nil {
		return nil, malformed("metadata", err)
	}
	if err := md.Validate(); err != nil {
		return nil, malformed("metadata", err)
	}

	return &Record{
		schemaVersion: *wire.SchemaVersion,
		promptDigest:  promptDigest,
		outputDigest:  outputDigest,
		createdAt:     createdAt.UTC(),
		metadata:      md,
	}, nil
}

var recordKeys = map[string]struct{}{
	"schema_version": {},
	"prompt_digest":  {},
	"output_digest":  {},
	"created_at":     {},
	"metadata":       {},
}

// checkRecordKeys rejects top-level keys that are repeated or that only match
// a record field case-insensitively; encoding/json would accept both.
func checkRecordKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("record must be a JSON object")
	}
	seen := make(map[string]struct{}, len(recordKeys))
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return errors.New("record key must be a string")
		}
		if _, ok := recordKeys[key]; !ok {
			return fmt.Errorf("unknown field %q", key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate field %q", key)
		}
		seen[key] = struct{}{}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
	return nil
}

func malformed(field string, cause error) error {
	opts := []xerrors.Option{}
	if field != "" {
		opts = append(opts, xerrors.WithMetadata(xerrors.MetaField, field))
	}
	return xerrors.Wrap(xerrors.CodeMalformedRecord, cause, "", opts...)
}
