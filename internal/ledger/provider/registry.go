package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"BioProof-Chain/internal/config"
	"BioProof-Chain/internal/ledger"
	"BioProof-Chain/internal/ledger/ethereum"
	"BioProof-Chain/internal/ledger/inmemory"
)

// 未提供网络目录时注册的本地网络。
const (
	LocalNetwork   = "local"
	LocalL2Network = "local-l2"
)

// Registry 按名称管理账本客户端。
type Registry struct {
	defaultNetwork string
	clients        map[string]ledger.Client
}

// NewRegistry 读取网络目录并实例化客户端。目录为空时注册两个内存网络。
func NewRegistry(ctx context.Context, ledgerCfg config.LedgerConfig, anchorCfg config.AnchorConfig) (*Registry, error) {
	defs, err := ledger.LoadNetworkDefinitions(ledgerCfg.NetworksFile)
	if err != nil {
		return nil, err
	}
	if len(defs.Networks) == 0 {
		defs.Networks = map[string]ledger.NetworkDefinition{
			LocalNetwork:   {Type: "inmemory", Layer: ledger.Layer1, PricePerByte: 1},
			LocalL2Network: {Type: "inmemory", Layer: ledger.Layer2, PricePerByte: 0.1},
		}
	}
	return FromDefinitions(ctx, defs, anchorCfg.DefaultNetwork)
}

// FromDefinitions 根据已解析的网络目录构建注册表。
func FromDefinitions(ctx context.Context, defs ledger.NetworkDefinitions, defaultNetwork string) (*Registry, error) {
	clients := make(map[string]ledger.Client, len(defs.Networks))
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, def := range defs.Networks {
		switch def.NormalizedType() {
		case "evm":
			key, err := ethereum.ParsePrivateKey(os.Getenv(def.PrivateKeyEnv))
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("网络 %s 的私钥环境变量 %s 无效: %w", name, def.PrivateKeyEnv, err)
			}
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:         name,
				RPCURL:       def.RPCURL,
				Layer:        def.Layer,
				PricePerByte: def.PricePerByte,
				PrivateKey:   key,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
			}
			clients[name] = client
		case "inmemory":
			clients[name] = inmemory.New(name, def.Layer, def.PricePerByte)
		default:
			closeAll()
			return nil, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}
	return New(defaultNetwork, clients)
}

// New 使用已构建的客户端创建注册表，默认网络为空时取名称排序后的第一层网络。
func New(defaultNetwork string, clients map[string]ledger.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何账本网络")
	}
	r := &Registry{clients: clients}
	defaultNetwork = strings.TrimSpace(defaultNetwork)
	if defaultNetwork == "" {
		for _, name := range r.Networks() {
			if clients[name].Layer() == ledger.Layer1 {
				defaultNetwork = name
				break
			}
		}
		if defaultNetwork == "" {
			defaultNetwork = r.Networks()[0]
		}
	}
	if _, ok := clients[defaultNetwork]; !ok {
		return nil, fmt.Errorf("默认网络 %s 未在目录中找到", defaultNetwork)
	}
	r.defaultNetwork = defaultNetwork
	return r, nil
}

// DefaultNetwork 返回默认网络名称。
func (r *Registry) DefaultNetwork() string {
	if r == nil {
		return ""
	}
	return r.defaultNetwork
}

// Client 返回指定名称的客户端。
func (r *Registry) Client(name string) (ledger.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// FirstOfLayer 返回名称排序后第一个属于指定层级的网络。
func (r *Registry) FirstOfLayer(layer int) (ledger.Client, bool) {
	for _, name := range r.Networks() {
		if c := r.clients[name]; c.Layer() == layer {
			return c, true
		}
	}
	return nil, false
}

// Networks 返回排序后的网络名称。
func (r *Registry) Networks() []string {
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

// Close 释放所有客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
