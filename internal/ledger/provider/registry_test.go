package provider

import (
	"context"
	"testing"

	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/ledger/cache"
)

func TestRegistryDefaultsToMemory(t *testing.T) {
	reg, err := NewRegistry(context.Background(), ledger.Definitions{}, "", Options{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()
	client, err := reg.Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if client.Name() != "memory" || reg.DefaultName() != "memory" {
		t.Fatalf("unexpected default ledger %s", client.Name())
	}
}

func TestRegistryBuildsDefinitions(t *testing.T) {
	defs, err := ledger.ParseDefinitions([]byte(`
default: arweave
ledgers:
  arweave:
    type: gateway
    endpoints: ["https://arweave.net"]
    cache: true
  local:
    type: memory
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reg, err := NewRegistry(context.Background(), defs, "", Options{Cache: cache.NewMemoryStore()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if got := reg.Ledgers(); len(got) != 2 || got[0] != "arweave" || got[1] != "local" {
		t.Fatalf("unexpected ledgers %v", got)
	}
	client, _ := reg.Default()
	if client.Name() != "arweave" {
		t.Fatalf("unexpected default %s", client.Name())
	}
	if _, ok := reg.Client("local"); !ok {
		t.Fatalf("local ledger should be registered")
	}
}

func TestRegistryErrors(t *testing.T) {
	cases := []ledger.Definitions{
		{Ledgers: map[string]ledger.Definition{"x": {Type: "ipfs"}}},
		{Ledgers: map[string]ledger.Definition{"x": {Type: "evm", RPCURL: "http://127.0.0.1:8545"}}},
		{Default: "missing", Ledgers: map[string]ledger.Definition{"x": {Type: "memory"}}},
	}
	for _, defs := range cases {
		if _, err := NewRegistry(context.Background(), defs, "", Options{}); err == nil {
			t.Fatalf("expected error for %+v", defs)
		}
	}
}
