package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 网络层级
const (
	Layer1 = 1
	Layer2 = 2
)

// Receipt 是一次账本写入的回执。
type Receipt struct {
	Network     string `json:"network"`
	TxHash      string `json:"transactionHash"`
	BlockNumber uint64 `json:"blockNumber"`
	// Fee 为账本报告的手续费，EVM 网络以 wei 十进制字符串表示。
	Fee string `json:"fee,omitempty"`
}

// Client 定义任意账本网络需要提供的最小能力。
type Client interface {
	Name() string
	Layer() int
	// PricePerByte 用于估算锚定成本，单位由网络目录约定。
	PricePerByte() float64
	Anchor(ctx context.Context, payload []byte) (Receipt, error)
	Close()
}

// NetworkDefinitions 对应 configs/networks.yaml 的结构。
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition 描述单个账本网络。
type NetworkDefinition struct {
	Type          string  `yaml:"type"`
	Layer         int     `yaml:"layer"`
	RPCURL        string  `yaml:"rpc_url"`
	PricePerByte  float64 `yaml:"price_per_byte"`
	PrivateKeyEnv string  `yaml:"private_key_env"`
	Description   string  `yaml:"description"`
}

// NormalizedType 返回小写的网络类型，缺省为 evm。
func (d NetworkDefinition) NormalizedType() string {
	t := strings.ToLower(strings.TrimSpace(d.Type))
	if t == "" {
		return "evm"
	}
	return t
}

// LoadNetworkDefinitions 解析网络目录文件，路径为空时返回空目录。
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络目录失败: %w", err)
	}
	return ParseNetworkDefinitions(content)
}

// ParseNetworkDefinitions 解析 YAML 内容并补齐缺省值。
func ParseNetworkDefinitions(content []byte) (NetworkDefinitions, error) {
	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络目录失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	for name, def := range defs.Networks {
		if def.Layer == 0 {
			def.Layer = Layer1
		}
		if def.Layer != Layer1 && def.Layer != Layer2 {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 的层级 %d 无效", name, def.Layer)
		}
		if def.PricePerByte < 0 {
			return NetworkDefinitions{}, fmt.Errorf("网络 %s 的单价不能为负", name)
		}
		defs.Networks[name] = def
	}
	return defs, nil
}
