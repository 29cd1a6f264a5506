package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "PromptProof-Chain/internal/errors"
)

func TestECDSAProviderSignVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	provider, err := NewECDSAProvider(key)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	payload := []byte(`{"schema_version":1}`)
	sig, err := provider.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != crypto.SignatureLength {
		t.Fatalf("unexpected signature length %d", len(sig))
	}
	ok, err := Verify(provider.Identity(), payload, sig)
	if err != nil || !ok {
		t.Fatalf("signature should verify: ok=%v err=%v", ok, err)
	}
	ok, _ = Verify(provider.Identity(), []byte("other"), sig)
	if ok {
		t.Fatalf("signature must not verify for another payload")
	}
}

func TestSignCancelled(t *testing.T) {
	key, _ := crypto.GenerateKey()
	provider, _ := NewECDSAProvider(key)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := provider.Sign(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hexKey := hex.EncodeToString(crypto.FromECDSA(key))
	want := crypto.PubkeyToAddress(key.PublicKey).Hex()

	t.Setenv("PROOF_TEST_KEY", "0x"+hexKey)
	p, err := Load(Source{KeyEnv: "PROOF_TEST_KEY"})
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if p.Identity() != want {
		t.Fatalf("unexpected identity %s", p.Identity())
	}

	path := filepath.Join(t.TempDir(), "key.hex")
	if err := os.WriteFile(path, []byte(hexKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	p, err = Load(Source{KeyEnv: "PROOF_TEST_UNSET", KeyFile: path})
	if err != nil {
		t.Fatalf("load from file: %v", err)
	}
	if p.Identity() != want {
		t.Fatalf("unexpected identity %s", p.Identity())
	}

	if _, err := Load(Source{}); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if _, err := ParseECDSAProvider("not-hex"); !xerrors.HasCode(err, xerrors.CodeCredentialFailure) {
		t.Fatalf("expected CREDENTIAL_FAILURE, got %v", err)
	}
}
