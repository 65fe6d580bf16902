package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/ledger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config 描述如何构建 EVM 账本客户端。
type Config struct {
	Name         string
	RPCURL       string
	Layer        int
	PricePerByte float64
	PrivateKey   *ecdsa.PrivateKey
	PollInterval time.Duration
}

// Backend 是客户端所需的链访问能力子集，ethclient 与模拟链均满足。
type Backend interface {
	gethcore.ChainIDReader
	gethcore.GasEstimator
	gethcore.GasPricer1559
	gethcore.TransactionSender
	gethcore.TransactionReader
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Client 通过向自身地址发送携带数据的交易，把承诺写入 EVM 链。
type Client struct {
	name    string
	layer   int
	price   float64
	key     *ecdsa.PrivateKey
	from    common.Address
	backend Backend
	poll    time.Duration

	// commit 仅在模拟链上设置，用于出块。
	commit func()
	closer func()

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient 拨号 RPC 端点并返回客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("网络 %s 缺少签名私钥", cfg.Name)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	c := newClient(cfg, eth)
	c.closer = eth.Close
	return c, nil
}

// NewSimulatedClient 包装 go-ethereum 模拟链，发送交易后自动出块。
func NewSimulatedClient(cfg Config, sim *simulated.Backend) *Client {
	c := newClient(cfg, sim.Client())
	c.commit = func() { sim.Commit() }
	return c
}

// NewWithBackend 使用已有的链访问后端构建客户端。
func NewWithBackend(cfg Config, backend Backend) *Client {
	return newClient(cfg, backend)
}

func newClient(cfg Config, backend Backend) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	layer := cfg.Layer
	if layer == 0 {
		layer = ledger.Layer1
	}
	c := &Client{
		name:    cfg.Name,
		layer:   layer,
		price:   cfg.PricePerByte,
		key:     cfg.PrivateKey,
		backend: backend,
		poll:    poll,
	}
	if cfg.PrivateKey != nil {
		c.from = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}
	return c
}

// ParsePrivateKey 解析十六进制私钥，允许 0x 前缀。
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("私钥为空")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return key, nil
}

// Name 返回网络名称。
func (c *Client) Name() string { return c.name }

// Layer 返回网络层级。
func (c *Client) Layer() int { return c.layer }

// PricePerByte 返回每字节单价。
func (c *Client) PricePerByte() float64 { return c.price }

// Address 返回签名账户地址。
func (c *Client) Address() common.Address { return c.from }

// Anchor 发送一笔 EIP-1559 交易，payload 放在 data 字段，等待回执后返回。
func (c *Client) Anchor(ctx context.Context, payload []byte) (ledger.Receipt, error) {
	if c == nil || c.backend == nil {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	if c.key == nil {
		return ledger.Receipt{}, c.fail(errors.New("missing private key"), "缺少签名私钥")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return ledger.Receipt{}, c.fail(err, "获取链 ID 失败")
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return ledger.Receipt{}, c.fail(err, "查询交易计数失败")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return ledger.Receipt{}, c.fail(err, "获取小费建议失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, c.fail(err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := c.from
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &to, Data: payload})
	if err != nil {
		return ledger.Receipt{}, c.fail(err, "估算 gas 失败")
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      payload,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return ledger.Receipt{}, c.fail(err, "签名交易失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return ledger.Receipt{}, c.fail(err, "发送交易失败")
	}

	receipt, err := c.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return ledger.Receipt{}, c.fail(err, "等待交易回执失败")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return ledger.Receipt{}, c.fail(fmt.Errorf("status %d", receipt.Status), "交易执行失败")
	}

	fee := new(big.Int).SetUint64(receipt.GasUsed)
	if receipt.EffectiveGasPrice != nil {
		fee.Mul(fee, receipt.EffectiveGasPrice)
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return ledger.Receipt{
		Network:     c.name,
		TxHash:      signed.Hash().Hex(),
		BlockNumber: block,
		Fee:         fee.String(),
	}, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return id, nil
}

func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if c.commit != nil {
		c.commit()
	}
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if c.commit != nil {
				c.commit()
			}
		}
	}
}

func (c *Client) fail(err error, msg string) error {
	code := xerrors.CodeExternalService
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = xerrors.CodeTimeout
	}
	return xerrors.Wrap(code, err, msg, xerrors.WithMetadata("network", c.name))
}

// Close 释放网络连接。
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

var _ ledger.Client = (*Client)(nil)
