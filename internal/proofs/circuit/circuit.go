// Package circuit 实现基于 gnark Groth16 (BN254) 的区间证明后端。
package circuit

import (
	"github.com/consensys/gnark/frontend"
)

// MaxEnvironmentalFactor 是 environmentalFactor 的上限（10.0 × 1000）。
const MaxEnvironmentalFactor = 10000

// RangeCircuit 证明所有私有读数都位于公开区间 [Min, Max] 内。
// Readings 的长度即电路容量，未使用的槽位以 Min 填充。
type RangeCircuit struct {
	Readings  []frontend.Variable
	Min       frontend.Variable `gnark:",public"`
	Max       frontend.Variable `gnark:",public"`
	EnvFactor frontend.Variable `gnark:",public"`
	Count     frontend.Variable `gnark:",public"`
	Timestamp frontend.Variable `gnark:",public"`
}

// NewRangeCircuit 返回指定容量的空电路，用于编译。
func NewRangeCircuit(capacity int) *RangeCircuit {
	return &RangeCircuit{Readings: make([]frontend.Variable, capacity)}
}

// Define 声明电路约束。
func (c *RangeCircuit) Define(api frontend.API) error {
	api.AssertIsLessOrEqual(c.Min, c.Max)
	for _, r := range c.Readings {
		api.AssertIsLessOrEqual(c.Min, r)
		api.AssertIsLessOrEqual(r, c.Max)
	}
	api.AssertIsDifferent(c.Count, 0)
	api.AssertIsLessOrEqual(c.Count, len(c.Readings))
	api.AssertIsDifferent(c.Timestamp, 0)
	api.AssertIsLessOrEqual(c.EnvFactor, MaxEnvironmentalFactor)
	return nil
}
