package anchor

import (
	"strings"
	"time"

	xerrors "BioProof-Chain/internal/errors"
)

// Strategy 表示锚定策略。
type Strategy string

// 支持的锚定策略
const (
	StrategyOnChain          Strategy = "on_chain"
	StrategyHybrid           Strategy = "hybrid"
	StrategyCrossChain       Strategy = "cross_chain"
	StrategyLayer2           Strategy = "layer2"
	StrategyQuantumResistant Strategy = "quantum_resistant"
	StrategyOptimized        Strategy = "optimized"
)

// ParseStrategy 解析策略名称，空字符串视为 optimized。
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case "":
		return StrategyOptimized, nil
	case StrategyOnChain, StrategyHybrid, StrategyCrossChain, StrategyLayer2, StrategyQuantumResistant, StrategyOptimized:
		return s, nil
	default:
		return "", xerrors.Validation(xerrors.ReasonMalformedInput, "未知的锚定策略",
			xerrors.WithMetadata("strategy", raw))
	}
}

// Priority 是 optimized 策略的选择偏好。
type Priority string

// 选择偏好
const (
	PriorityBalanced Priority = "balanced"
	PriorityCost     Priority = "cost"
	PrioritySecurity Priority = "security"
)

// Options 是一次锚定调用的可选参数。
type Options struct {
	// Network 指定目标网络，为空时按策略选择。
	Network string `json:"network,omitempty"`
	// Networks 仅用于 cross_chain。
	Networks []string `json:"networks,omitempty"`
	Priority Priority `json:"priority,omitempty"`
}

// StatusConfirmed 表示账本已返回回执。
const StatusConfirmed = "confirmed"

// Record 是一条锚定记录，写入后不再修改。
type Record struct {
	ID              string    `json:"id"`
	ProofID         string    `json:"proofId"`
	Strategy        Strategy  `json:"strategy"`
	Network         string    `json:"network"`
	TransactionHash string    `json:"transactionHash"`
	BlockNumber     uint64    `json:"blockNumber"`
	MerkleRoot      string    `json:"merkleRoot,omitempty"`
	ContentHash     string    `json:"contentHash,omitempty"`
	Commitment      string    `json:"commitment,omitempty"`
	Cost            float64   `json:"cost"`
	Fee             string    `json:"fee,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Clone 返回副本。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Result 汇总一次锚定调用产生或复用的记录。
type Result struct {
	ProofID   string    `json:"proofId"`
	Requested Strategy  `json:"requestedStrategy"`
	Strategy  Strategy  `json:"strategy"`
	Records   []*Record `json:"records"`
}

// Aggregate 记录一个聚合根及其成员证明。
type Aggregate struct {
	Root      string    `json:"root"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}
