package circuit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/proofs"
	"BioProof-Chain/pkg/logger"
)

var silenceOnce sync.Once

// gnark 使用 zerolog 输出编译与证明日志，这里统一关闭，由本项目的 slog 记录阶段。
func silenceGnark() {
	silenceOnce.Do(func() {
		gnarklogger.Set(zerolog.New(io.Discard).Level(zerolog.Disabled))
	})
}

// Meta 描述磁盘上的电路工件。
type Meta struct {
	CircuitID       string `json:"circuit_id"`
	Capacity        int    `json:"capacity"`
	VerificationKey string `json:"verification_key"`
	Constraints     int    `json:"constraints"`
}

type artifacts struct {
	ccs  constraint.ConstraintSystem
	pk   groth16.ProvingKey
	vk   groth16.VerifyingKey
	meta Meta
}

// Backend 从 <dir>/<circuitID>.{ccs,pk,vk,json} 加载预编译工件。
type Backend struct {
	dir       string
	circuitID string

	mu     sync.Mutex
	loaded *artifacts
	logger *slog.Logger
}

// New 创建电路后端。工件在首次使用时加载，缺失时返回 BACKEND_UNAVAILABLE。
func New(dir, circuitID string) *Backend {
	silenceGnark()
	return &Backend{dir: dir, circuitID: circuitID, logger: logger.Named("circuit")}
}

// CircuitID 实现 proofs.Backend。
func (b *Backend) CircuitID() string { return b.circuitID }

// CryptographicallySound 实现 proofs.Backend。
func (b *Backend) CryptographicallySound() bool { return true }

// Available 判断工件是否可加载。
func (b *Backend) Available() bool {
	_, err := b.load()
	return err == nil
}

// Compute 实现 proofs.Backend。
func (b *Backend) Compute(ctx context.Context, in proofs.CircuitInputs) (*proofs.Output, error) {
	a, err := b.load()
	if err != nil {
		return nil, err
	}
	if in.DataPointCount != int64(len(in.Readings)) || in.DataPointCount < 1 {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "读数数量与 dataPointCount 不一致")
	}
	if len(in.Readings) > a.meta.Capacity {
		return nil, proofs.ErrBackendUnavailable(b.circuitID,
			fmt.Sprintf("读数数量 %d 超出电路容量 %d", len(in.Readings), a.meta.Capacity))
	}
	for _, r := range in.Readings {
		if r < in.ConstraintMin || r > in.ConstraintMax {
			return nil, xerrors.New(xerrors.CodeConstraintViolation, "读数超出区间，电路不可满足")
		}
	}

	assignment := &RangeCircuit{
		Readings:  make([]frontend.Variable, a.meta.Capacity),
		Min:       in.ConstraintMin,
		Max:       in.ConstraintMax,
		EnvFactor: in.EnvironmentalFactor,
		Count:     in.DataPointCount,
		Timestamp: in.Timestamp,
	}
	for i := range assignment.Readings {
		if i < len(in.Readings) {
			assignment.Readings[i] = in.Readings[i]
		} else {
			assignment.Readings[i] = in.ConstraintMin
		}
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProofGeneration, err, "构造 witness 失败")
	}

	type result struct {
		proof groth16.Proof
		err   error
	}
	done := make(chan result, 1)
	go func() {
		p, err := groth16.Prove(a.ccs, a.pk, witness)
		done <- result{proof: p, err: err}
	}()
	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProofGeneration, res.err, "Groth16 证明失败")
	}

	var buf bytes.Buffer
	if _, err := res.proof.WriteTo(&buf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProofGeneration, err, "序列化证明失败")
	}
	return &proofs.Output{
		Proof:           buf.Bytes(),
		PublicSignals:   in.PublicSignals(),
		VerificationKey: a.meta.VerificationKey,
	}, nil
}

// Verify 实现 proofs.Backend。证明或公开信号不匹配时返回 false 而非错误。
func (b *Backend) Verify(_ context.Context, verificationKey string, publicSignals []string, proof []byte) (bool, error) {
	a, err := b.load()
	if err != nil {
		return false, err
	}
	if verificationKey != a.meta.VerificationKey {
		return false, nil
	}
	in, err := proofs.ParsePublicSignals(publicSignals)
	if err != nil {
		return false, err
	}
	assignment := &RangeCircuit{
		Readings:  make([]frontend.Variable, a.meta.Capacity),
		Min:       in.ConstraintMin,
		Max:       in.ConstraintMax,
		EnvFactor: in.EnvironmentalFactor,
		Count:     in.DataPointCount,
		Timestamp: in.Timestamp,
	}
	for i := range assignment.Readings {
		assignment.Readings[i] = 0
	}
	publicWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeValidation, err, "构造公开 witness 失败")
	}
	p := groth16.NewProof(ecc.BN254)
	if _, err := p.ReadFrom(bytes.NewReader(proof)); err != nil {
		return false, nil
	}
	if err := groth16.Verify(p, a.vk, publicWitness); err != nil {
		b.logger.Debug("Groth16 验证未通过", slog.Any("error", err))
		return false, nil
	}
	return true, nil
}

func (b *Backend) load() (*artifacts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded != nil {
		return b.loaded, nil
	}

	meta, err := readMeta(b.dir, b.circuitID)
	if err != nil {
		return nil, err
	}
	ccs := groth16.NewCS(ecc.BN254)
	pk := groth16.NewProvingKey(ecc.BN254)
	vk := groth16.NewVerifyingKey(ecc.BN254)
	for ext, target := range map[string]io.ReaderFrom{"ccs": ccs, "pk": pk, "vk": vk} {
		if err := readArtifact(artifactPath(b.dir, b.circuitID, ext), target); err != nil {
			return nil, b.unavailable(err)
		}
	}
	id, err := verificationKeyID(b.circuitID, vk)
	if err != nil {
		return nil, b.unavailable(err)
	}
	if id != meta.VerificationKey {
		return nil, b.unavailable(errors.New("验证密钥与元数据不一致"))
	}
	b.loaded = &artifacts{ccs: ccs, pk: pk, vk: vk, meta: meta}
	b.logger.Info("电路工件已加载",
		slog.String("circuit_id", b.circuitID),
		slog.Int("capacity", meta.Capacity),
		slog.Int("constraints", meta.Constraints))
	return b.loaded, nil
}

func (b *Backend) unavailable(err error) error {
	return xerrors.Wrap(xerrors.CodeBackendUnavailable, err, "电路工件不可用",
		xerrors.WithMetadata("circuit_id", b.circuitID),
		xerrors.WithMetadata("dir", b.dir))
}

// Setup 编译电路、执行可信设置并将工件写入 dir。仅用于部署与测试。
func Setup(dir, circuitID string, capacity int) (Meta, error) {
	silenceGnark()
	if capacity < 1 || capacity > proofs.MaxDataPoints {
		return Meta{}, xerrors.New(xerrors.CodeInvalidArgument, "电路容量必须在 1 到 1000 之间")
	}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewRangeCircuit(capacity))
	if err != nil {
		return Meta{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "编译区间电路失败")
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return Meta{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "Groth16 设置失败")
	}
	id, err := verificationKeyID(circuitID, vk)
	if err != nil {
		return Meta{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Meta{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建工件目录失败")
	}
	for ext, src := range map[string]io.WriterTo{"ccs": ccs, "pk": pk, "vk": vk} {
		if err := writeArtifact(artifactPath(dir, circuitID, ext), src); err != nil {
			return Meta{}, err
		}
	}
	meta := Meta{CircuitID: circuitID, Capacity: capacity, VerificationKey: id, Constraints: ccs.GetNbConstraints()}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, err
	}
	if err := os.WriteFile(artifactPath(dir, circuitID, "json"), raw, 0o644); err != nil {
		return Meta{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入电路元数据失败")
	}
	return meta, nil
}

func verificationKeyID(circuitID string, vk groth16.VerifyingKey) (string, error) {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "序列化验证密钥失败")
	}
	sum := sha256.Sum256(buf.Bytes())
	return circuitID + ":" + hex.EncodeToString(sum[:]), nil
}

func artifactPath(dir, circuitID, ext string) string {
	return filepath.Join(dir, circuitID+"."+ext)
}

func readMeta(dir, circuitID string) (Meta, error) {
	raw, err := os.ReadFile(artifactPath(dir, circuitID, "json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Meta{}, proofs.ErrBackendUnavailable(circuitID, "电路工件不存在")
		}
		return Meta{}, xerrors.Wrap(xerrors.CodeBackendUnavailable, err, "读取电路元数据失败")
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil || meta.Capacity < 1 {
		return Meta{}, proofs.ErrBackendUnavailable(circuitID, "电路元数据损坏")
	}
	return meta, nil
}

func readArtifact(path string, target io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = target.ReadFrom(f)
	return err
}

func writeArtifact(path string, src io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建工件文件失败")
	}
	if _, err := src.WriteTo(f); err != nil {
		_ = f.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工件失败")
	}
	return f.Close()
}

var _ proofs.Backend = (*Backend)(nil)
