// Package hashfallback 提供确定性的非密码学证明后端。它只在电路工件缺失时使用，
// 产出的记录 cryptographicallySound=false，不能作为隐私保证。
package hashfallback

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"strconv"
	"strings"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/proofs"
)

const (
	// CircuitID 标识备用后端。
	CircuitID = "hash_fallback_v1"

	domain    = "bioproof-fallback-v1"
	proofSize = 2 * sha256.Size
)

// Backend 使用 HMAC 承诺读数，再对承诺与公开信号做 SHA-256 摘要。
type Backend struct {
	key []byte
}

// New 创建备用后端。key 为空时生成随机密钥，承诺仅在本进程内可复现。
func New(key []byte) (*Backend, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成备用后端密钥失败")
		}
	}
	return &Backend{key: append([]byte(nil), key...)}, nil
}

// CircuitID 实现 proofs.Backend。
func (b *Backend) CircuitID() string { return CircuitID }

// CryptographicallySound 始终为 false。
func (b *Backend) CryptographicallySound() bool { return false }

// VerificationKey 返回固定的验证密钥标识。
func (b *Backend) VerificationKey() string { return CircuitID + ":" + domain }

// Compute 实现 proofs.Backend。读数越界时拒绝，与电路后端的不可满足语义一致。
func (b *Backend) Compute(ctx context.Context, in proofs.CircuitInputs) (*proofs.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInputs(in); err != nil {
		return nil, err
	}
	signals := in.PublicSignals()
	commitment := b.commit(in.Readings)
	proof := make([]byte, 0, proofSize)
	proof = append(proof, commitment...)
	proof = append(proof, digest(commitment, signals)...)
	return &proofs.Output{Proof: proof, PublicSignals: signals, VerificationKey: b.VerificationKey()}, nil
}

// Verify 重新计算摘要并做常量时间比较。
func (b *Backend) Verify(ctx context.Context, verificationKey string, publicSignals []string, proof []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if verificationKey != b.VerificationKey() {
		return false, nil
	}
	if len(proof) != proofSize {
		return false, nil
	}
	if _, err := proofs.ParsePublicSignals(publicSignals); err != nil {
		return false, err
	}
	expected := digest(proof[:sha256.Size], publicSignals)
	return hmac.Equal(expected, proof[sha256.Size:]), nil
}

func (b *Backend) commit(readings []int64) []byte {
	mac := hmac.New(sha256.New, b.key)
	for _, r := range readings {
		mac.Write([]byte(strconv.FormatInt(r, 10)))
		mac.Write([]byte{','})
	}
	return mac.Sum(nil)
}

func digest(commitment []byte, signals []string) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(commitment)
	h.Write([]byte(strings.Join(signals, ",")))
	return h.Sum(nil)
}

func checkInputs(in proofs.CircuitInputs) error {
	if in.DataPointCount != int64(len(in.Readings)) || in.DataPointCount < 1 || in.DataPointCount > proofs.MaxDataPoints {
		return xerrors.Validation(xerrors.ReasonMalformedInput, "读数数量与 dataPointCount 不一致")
	}
	if in.ConstraintMin >= in.ConstraintMax || in.Timestamp <= 0 {
		return xerrors.Validation(xerrors.ReasonMalformedInput, "公开输入无效")
	}
	for _, r := range in.Readings {
		if r < in.ConstraintMin || r > in.ConstraintMax {
			return xerrors.New(xerrors.CodeConstraintViolation, "读数超出区间，无法构造证明")
		}
	}
	return nil
}

var _ proofs.Backend = (*Backend)(nil)
