// Package provider instantiates ledger clients from YAML definitions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"PromptProof-Chain/internal/credential"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/ledger/cache"
	"PromptProof-Chain/internal/ledger/ethereum"
	"PromptProof-Chain/internal/ledger/gateway"
	"PromptProof-Chain/internal/ledger/memory"
)

// Options carries dependencies shared by every ledger.
type Options struct {
	// Signer authorises ledger writes. Required by evm ledgers.
	Signer credential.Provider
	// Cache, when set, fronts ledgers whose definition enables caching.
	Cache    cache.Store
	CacheTTL time.Duration
	// ClientOptions apply to every ledger.Client.
	ClientOptions []ledger.Option
}

// Registry manages a set of ledger clients keyed by name.
type Registry struct {
	defaultLedger string
	clients       map[string]*ledger.Client
}

// NewRegistry instantiates a client per definition. With no definitions a
// single in-memory ledger named "memory" is registered.
func NewRegistry(ctx context.Context, defs ledger.Definitions, defaultLedger string, opts Options) (*Registry, error) {
	if len(defs.Ledgers) == 0 {
		defs.Ledgers = map[string]ledger.Definition{"memory": {Type: "memory"}}
	}

	clients := make(map[string]*ledger.Client, len(defs.Ledgers))
	closeAll := func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}
	for name, def := range defs.Ledgers {
		backend, err := newBackend(ctx, name, def, opts)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化账本 %s 失败: %w", name, err)
		}
		if def.Cache && opts.Cache != nil {
			backend = cache.New(backend, opts.Cache, cache.WithTTL(opts.CacheTTL))
		}
		client, err := ledger.NewClient(backend, opts.ClientOptions...)
		if err != nil {
			closeAll()
			return nil, err
		}
		clients[name] = client
	}

	if defaultLedger == "" {
		defaultLedger = defs.Default
	}
	if defaultLedger == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultLedger = names[0]
	}
	if _, ok := clients[defaultLedger]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认账本 %s 未在配置中找到", defaultLedger)
	}
	return &Registry{defaultLedger: defaultLedger, clients: clients}, nil
}

func newBackend(ctx context.Context, name string, def ledger.Definition, opts Options) (ledger.Backend, error) {
	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	switch strings.ToLower(def.Type) {
	case "", "memory":
		memOpts := []memory.Option{memory.WithName(name)}
		if def.ConfirmAfterSeconds > 0 {
			memOpts = append(memOpts, memory.WithConfirmAfter(time.Duration(def.ConfirmAfterSeconds)*time.Second))
		}
		return memory.New(memOpts...), nil
	case "evm":
		if opts.Signer == nil {
			return nil, errors.New("evm 账本需要签名凭据")
		}
		dialCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		cfg := ethereum.Config{
			Name:          name,
			Confirmations: def.Confirmations,
			Anchor:        def.AnchorAddress,
		}
		if def.ChainID > 0 {
			cfg.ChainID = big.NewInt(def.ChainID)
		}
		return ethereum.Dial(dialCtx, def.RPCURL, opts.Signer, cfg)
	case "gateway":
		return gateway.New(gateway.Config{
			Name:              name,
			Endpoints:         def.Endpoints,
			Timeout:           timeout,
			RequestsPerSecond: def.RequestsPerSecond,
			Burst:             def.Burst,
			Confirmations:     def.Confirmations,
			AppName:           def.AppName,
		}, opts.Signer)
	default:
		return nil, fmt.Errorf("不支持的账本类型 %s", def.Type)
	}
}

// Default returns the client configured as default ledger.
func (r *Registry) Default() (*ledger.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的账本注册表")
	}
	client, ok := r.clients[r.defaultLedger]
	if !ok {
		return nil, fmt.Errorf("默认账本 %s 未在注册表中", r.defaultLedger)
	}
	return client, nil
}

// DefaultName returns the name of the default ledger.
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultLedger
}

// Client returns the ledger client identified by name.
func (r *Registry) Client(name string) (*ledger.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Ledgers returns the registered ledger names.
func (r *Registry) Ledgers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for name, client := range r.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭账本 %s: %w", name, err))
		}
		delete(r.clients, name)
	}
	return errors.Join(errs...)
}
