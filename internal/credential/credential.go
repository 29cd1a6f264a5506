// Package credential defines the signing boundary used to authorize ledger
// writes. The rest of the system only ever sees the Provider interface and
// never handles private key material directly.
package credential

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "PromptProof-Chain/internal/errors"
)

// Provider signs opaque payloads on behalf of a single identity.
type Provider interface {
	// Identity returns the public handle of the signing identity, for
	// example an account address.
	Identity() string
	// Sign returns a signature over payload.
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// ECDSAProvider signs with a secp256k1 key. A 32-byte payload is treated as
// a prehashed digest; any other payload is Keccak-256 hashed first. The
// signature is the 65-byte [R || S || V] form with V in {0, 1}.
type ECDSAProvider struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewECDSAProvider wraps an existing key.
func NewECDSAProvider(key *ecdsa.PrivateKey) (*ECDSAProvider, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "missing private key")
	}
	return &ECDSAProvider{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// ParseECDSAProvider parses a hex encoded private key, with or without 0x.
func ParseECDSAProvider(hexKey string) (*ECDSAProvider, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "invalid private key")
	}
	return NewECDSAProvider(key)
}

// Identity returns the checksummed account address.
func (p *ECDSAProvider) Identity() string {
	return p.address.Hex()
}

// Address returns the account address.
func (p *ECDSAProvider) Address() common.Address {
	return p.address
}

// Sign implements Provider.
func (p *ECDSAProvider) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := payload
	if len(digest) != 32 {
		digest = crypto.Keccak256(payload)
	}
	sig, err := crypto.Sign(digest, p.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "sign payload")
	}
	return sig, nil
}

// Source names where a key is loaded from.
type Source struct {
	// KeyEnv is an environment variable holding the hex key.
	KeyEnv string
	// KeyFile is a file holding the hex key.
	KeyFile string
}

// ErrNoCredential is returned by Load when no source is configured.
var ErrNoCredential = errors.New("no credential source configured")

// Load resolves the configured source. The environment variable wins over
// the file when both are set and the variable is non-empty.
func Load(src Source) (*ECDSAProvider, error) {
	if env := strings.TrimSpace(src.KeyEnv); env != "" {
		if value := os.Getenv(env); strings.TrimSpace(value) != "" {
			return ParseECDSAProvider(value)
		}
	}
	if path := strings.TrimSpace(src.KeyFile); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, fmt.Sprintf("read key file %s", path))
		}
		return ParseECDSAProvider(string(content))
	}
	return nil, ErrNoCredential
}

// Verify checks an ECDSAProvider signature against an address. It mirrors
// the prehash rule used by Sign.
func Verify(address string, payload, signature []byte) (bool, error) {
	if len(signature) != crypto.SignatureLength {
		return false, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	digest := payload
	if len(digest) != 32 {
		digest = crypto.Keccak256(payload)
	}
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return false, err
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(address), nil
}
