package proofs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	xerrors "PromptProof-Chain/internal/errors"
)

// DigestSize is the length in bytes of a SHA-256 digest.
const DigestSize = sha256.Size

// Digest is the SHA-256 hash of the UTF-8 bytes of a text blob.
type Digest [DigestSize]byte

// Hex returns the lowercase hex encoding used in the canonical form.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Equal compares every byte of both digests.
func (d Digest) Equal(other Digest) bool {
	var diff byte
	for i := 0; i < DigestSize; i++ {
		diff |= d[i] ^ other[i]
	}
	return diff == 0
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64 character lowercase hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(DigestSize) {
		return d, fmt.Errorf("digest must be %d hex characters, got %d", hex.EncodedLen(DigestSize), len(s))
	}
	if strings.ToLower(s) != s {
		return d, fmt.Errorf("digest must be lowercase hex")
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, fmt.Errorf("digest is not hex: %w", err)
	}
	return d, nil
}

// SumBytes hashes raw bytes without any text validation.
func SumBytes(data []byte) Digest {
	return sha256.Sum256(data)
}

// Normalization names the preprocessing applied to text before hashing.
// Anything other than NormalizationNone is recorded in the record metadata
// under MetadataKeyNormalization so verification can reproduce it.
type Normalization string

const (
	NormalizationNone Normalization = "none"
	NormalizationNFC  Normalization = "nfc"
	NormalizationNFKC Normalization = "nfkc"
)

// ParseNormalization accepts the policy names above; the empty string means none.
func ParseNormalization(s string) (Normalization, error) {
	switch Normalization(strings.ToLower(strings.TrimSpace(s))) {
	case "", NormalizationNone:
		return NormalizationNone, nil
	case NormalizationNFC:
		return NormalizationNFC, nil
	case NormalizationNFKC:
		return NormalizationNFKC, nil
	default:
		return "", fmt.Errorf("unsupported normalization %q", s)
	}
}

func (n Normalization) apply(text string) string {
	switch n {
	case NormalizationNFC:
		return norm.NFC.String(text)
	case NormalizationNFKC:
		return norm.NFKC.String(text)
	default:
		return text
	}
}

// Hasher computes text digests under a fixed normalization policy.
// The zero value hashes with NormalizationNone.
type Hasher struct {
	normalization Normalization
}

// NewHasher returns a hasher for the given policy.
func NewHasher(n Normalization) (*Hasher, error) {
	parsed, err := ParseNormalization(string(n))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "")
	}
	return &Hasher{normalization: parsed}, nil
}

// Normalization returns the policy applied before hashing.
func (h *Hasher) Normalization() Normalization {
	if h == nil || h.normalization == "" {
		return NormalizationNone
	}
	return h.normalization
}

// Digest hashes the UTF-8 bytes of text. No trimming or case folding happens;
// invalid UTF-8 fails with ENCODING_ERROR.
func (h *Hasher) Digest(text string) (Digest, error) {
	if !utf8.ValidString(text) {
		return Digest{}, xerrors.New(xerrors.CodeEncoding, "")
	}
	return sha256.Sum256([]byte(h.Normalization().apply(text))), nil
}

// Sum hashes text with no normalization.
func Sum(text string) (Digest, error) {
	var h Hasher
	return h.Digest(text)
}
