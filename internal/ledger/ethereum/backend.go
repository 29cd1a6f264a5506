// Package ethereum anchors proof records on EVM compatible chains. Each record
// travels as the calldata of a self-contained transaction; the transaction
// hash is the ledger identifier and confirmation depth defines finality.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"PromptProof-Chain/internal/credential"
	xerrors "PromptProof-Chain/internal/errors"
	"PromptProof-Chain/internal/ledger"
)

// Chain is the subset of the go-ethereum client API the backend relies on.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Chain interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.TransactionReader
	gethcore.TransactionSender
	gethcore.GasEstimator
	gethcore.GasPricer1559
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Config describes how records are anchored.
type Config struct {
	Name string
	// Confirmations is the block depth required for finality. Defaults to 1.
	Confirmations uint64
	// Anchor receives the anchoring transactions. Defaults to the signer itself.
	Anchor string
	// ChainID skips the eth_chainId lookup when set.
	ChainID *big.Int
	// GasLimit skips gas estimation when set.
	GasLimit uint64
}

// Backend implements ledger.Backend on an EVM chain.
type Backend struct {
	name          string
	chain         Chain
	signer        credential.Provider
	from          common.Address
	anchor        common.Address
	confirmations uint64
	gasLimit      uint64
	closer        func()

	mu      sync.Mutex
	chainID *big.Int
}

var _ ledger.Backend = (*Backend)(nil)

// New wraps an existing chain client.
func New(chain Chain, signer credential.Provider, cfg Config) (*Backend, error) {
	if chain == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊客户端")
	}
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "未提供交易签名器")
	}
	identity := strings.TrimSpace(signer.Identity())
	if !common.IsHexAddress(identity) {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, fmt.Sprintf("签名身份 %q 不是以太坊地址", identity))
	}
	from := common.HexToAddress(identity)

	anchor := from
	if a := strings.TrimSpace(cfg.Anchor); a != "" {
		if !common.IsHexAddress(a) {
			return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("锚定地址 %q 无效", a))
		}
		anchor = common.HexToAddress(a)
	}
	name := cfg.Name
	if name == "" {
		name = "evm"
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &Backend{
		name:          name,
		chain:         chain,
		signer:        signer,
		from:          from,
		anchor:        anchor,
		confirmations: confirmations,
		gasLimit:      cfg.GasLimit,
		chainID:       cfg.ChainID,
	}, nil
}

// Dial connects to rpcURL and returns a backend owning the connection.
func Dial(ctx context.Context, rpcURL string, signer credential.Provider, cfg Config) (*Backend, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	b, err := New(client, signer, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.closer = client.Close
	return b, nil
}

// Name implements ledger.Backend.
func (b *Backend) Name() string { return b.name }

// Close releases the RPC connection when the backend dialled it.
func (b *Backend) Close() error {
	if b.closer != nil {
		b.closer()
	}
	return nil
}

// From returns the sending account.
func (b *Backend) From() common.Address { return b.from }

// Submit signs and broadcasts a transaction carrying payload as calldata.
// Nonce allocation is serialised so concurrent submits do not collide.
func (b *Backend) Submit(ctx context.Context, payload []byte) (string, error) {
	chainID, err := b.resolveChainID(ctx)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	nonce, err := b.chain.PendingNonceAt(ctx, b.from)
	if err != nil {
		return "", classify(err, "获取 nonce 失败")
	}
	tip, err := b.chain.SuggestGasTipCap(ctx)
	if err != nil {
		return "", classify(err, "获取小费建议失败")
	}
	head, err := b.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", classify(err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := b.gasLimit
	if gas == 0 {
		gas, err = b.chain.EstimateGas(ctx, gethcore.CallMsg{From: b.from, To: &b.anchor, Data: payload})
		if err != nil {
			return "", classify(err, "估算 gas 失败")
		}
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &b.anchor,
		Value:     new(big.Int),
		Data:      payload,
	})
	signer := coretypes.LatestSignerForChainID(chainID)
	sig, err := b.signer.Sign(ctx, signer.Hash(tx).Bytes())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", xerrors.Wrap(xerrors.CodeCredentialFailure, err, "签名交易失败")
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeCredentialFailure, err, "签名格式无效")
	}
	if err := b.chain.SendTransaction(ctx, signed); err != nil {
		return "", classify(err, "发送交易失败")
	}
	return signed.Hash().Hex(), nil
}

// Retrieve returns the calldata of a transaction that reached the configured
// confirmation depth.
func (b *Backend) Retrieve(ctx context.Context, id string) ([]byte, error) {
	hash, ok := parseHash(id)
	if !ok {
		return nil, notFound(id)
	}
	tx, pending, err := b.chain.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, notFound(id)
		}
		return nil, classify(err, "查询交易失败")
	}
	if pending {
		return nil, notFound(id)
	}
	finality, err := b.Finality(ctx, id)
	if err != nil {
		return nil, err
	}
	if finality != ledger.FinalityConfirmed {
		return nil, notFound(id)
	}
	return tx.Data(), nil
}

// Finality implements ledger.Backend.
func (b *Backend) Finality(ctx context.Context, id string) (ledger.Finality, error) {
	hash, ok := parseHash(id)
	if !ok {
		return ledger.FinalityUnknown, notFound(id)
	}
	receipt, err := b.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, gethcore.NotFound) {
			return ledger.FinalityUnknown, classify(err, "查询交易回执失败")
		}
		_, pending, txErr := b.chain.TransactionByHash(ctx, hash)
		switch {
		case txErr == nil && pending:
			return ledger.FinalityPending, nil
		case txErr == nil:
			// Mined but the node has not indexed the receipt yet.
			return ledger.FinalityPending, nil
		case errors.Is(txErr, gethcore.NotFound):
			return ledger.FinalityUnknown, notFound(id)
		default:
			return ledger.FinalityUnknown, classify(txErr, "查询交易失败")
		}
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return ledger.FinalityUnknown, xerrors.New(xerrors.CodeNetworkFatal, "锚定交易执行失败", xerrors.WithTransactionID(id))
	}
	head, err := b.chain.BlockNumber(ctx)
	if err != nil {
		return ledger.FinalityUnknown, classify(err, "获取最新区块高度失败")
	}
	mined := receipt.BlockNumber.Uint64()
	if head >= mined && head-mined+1 >= b.confirmations {
		return ledger.FinalityConfirmed, nil
	}
	return ledger.FinalityPending, nil
}

func (b *Backend) resolveChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chainID != nil {
		return b.chainID, nil
	}
	id, err := b.chain.ChainID(ctx)
	if err != nil {
		return nil, classify(err, "获取链 ID 失败")
	}
	b.chainID = id
	return id, nil
}

func parseHash(id string) (common.Hash, bool) {
	id = strings.TrimSpace(id)
	raw := strings.TrimPrefix(strings.TrimPrefix(id, "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, false
	}
	for _, r := range raw {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return common.Hash{}, false
		}
	}
	return common.HexToHash(raw), true
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeRecordNotFound, "交易不存在或尚未确认", xerrors.WithTransactionID(id))
}

// classify maps RPC failures onto the ledger error taxonomy. Errors returned
// by the node itself are final; transport failures and 5xx responses are
// transient. Context errors are returned untouched.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 || httpErr.StatusCode == 429 {
			return xerrors.Wrap(xerrors.CodeNetworkTransient, err, message)
		}
		return xerrors.Wrap(xerrors.CodeNetworkFatal, err, message)
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return xerrors.Wrap(xerrors.CodeNetworkFatal, err, message)
	}
	return xerrors.Wrap(xerrors.CodeNetworkTransient, err, message)
}
