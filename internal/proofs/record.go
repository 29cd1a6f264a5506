package proofs

import (
	"time"

	xerrors "PromptProof-Chain/internal/errors"
)

// SchemaVersion is the version written into every new record.
const SchemaVersion = 1

// TimestampLayout is the fixed created_at format: UTC with microseconds.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Record is an immutable proof record. Fields are only reachable through
// accessors; Metadata returns a copy.
type Record struct {
	schemaVersion int
	promptDigest  Digest
	outputDigest  Digest
	createdAt     time.Time
	metadata      Metadata
}

// SchemaVersion returns the record schema tag.
func (r *Record) SchemaVersion() int { return r.schemaVersion }

// PromptDigest returns the digest of the prompt text.
func (r *Record) PromptDigest() Digest { return r.promptDigest }

// OutputDigest returns the digest of the output text.
func (r *Record) OutputDigest() Digest { return r.outputDigest }

// CreatedAt returns the creation time in UTC.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// Metadata returns a copy of the ordered metadata.
func (r *Record) Metadata() Metadata { return r.metadata.Clone() }

// Normalization returns the text normalization the digests were computed with.
func (r *Record) Normalization() (Normalization, error) {
	raw, _ := r.metadata.Get(MetadataKeyNormalization)
	return ParseNormalization(raw)
}

// Canonical returns the canonical byte form of the record.
func (r *Record) Canonical() []byte {
	return Encode(r)
}

// Digest returns the SHA-256 of the canonical form. It covers the metadata
// as well as both text digests.
func (r *Record) Digest() Digest {
	return SumBytes(Encode(r))
}

// Builder assembles records from prompt/output text.
type Builder struct {
	hasher *Hasher
	now    func() time.Time
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithHasher sets the hasher, and with it the normalization policy.
func WithHasher(h *Hasher) BuilderOption {
	return func(b *Builder) {
		if h != nil {
			b.hasher = h
		}
	}
}

// NewBuilder returns a builder hashing without normalization by default.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{hasher: &Hasher{}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build hashes prompt and output and returns a new record.
//
// Empty prompt or output fails with INVALID_INPUT, invalid UTF-8 with
// ENCODING_ERROR and repeated metadata keys with DUPLICATE_METADATA_KEY.
// When the builder normalizes text the policy is appended to the metadata;
// a conflicting policy already present in the metadata is rejected.
func (b *Builder) Build(prompt, output string, md Metadata) (*Record, error) {
	if prompt == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "prompt text is empty", xerrors.WithMetadata(xerrors.MetaField, "prompt"))
	}
	if output == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "output text is empty", xerrors.WithMetadata(xerrors.MetaField, "output"))
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}

	policy := b.hasher.Normalization()
	md = md.Clone()
	if declared, ok := md.Get(MetadataKeyNormalization); ok {
		parsed, err := ParseNormalization(declared)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "", xerrors.WithMetadata(xerrors.MetaField, MetadataKeyNormalization))
		}
		if parsed != policy {
			return nil, xerrors.New(xerrors.CodeInvalidInput, "metadata normalization does not match the hasher policy",
				xerrors.WithMetadata(xerrors.MetaField, MetadataKeyNormalization))
		}
	} else if policy != NormalizationNone {
		md = append(md, MetadataEntry{Key: MetadataKeyNormalization, Value: string(policy)})
	}

	promptDigest, err := b.hasher.Digest(prompt)
	if err != nil {
		return nil, xerrors.Annotate(err, xerrors.WithMetadata(xerrors.MetaField, "prompt"))
	}
	outputDigest, err := b.hasher.Digest(output)
	if err != nil {
		return nil, xerrors.Annotate(err, xerrors.WithMetadata(xerrors.MetaField, "output"))
	}

	return &Record{
		schemaVersion: SchemaVersion,
		promptDigest:  promptDigest,
		outputDigest:  outputDigest,
		createdAt:     b.now().UTC().Truncate(time.Microsecond),
		metadata:      md,
	}, nil
}
