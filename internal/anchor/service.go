package anchor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"BioProof-Chain/internal/config"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/ledger"
	"BioProof-Chain/internal/merkle"
	"BioProof-Chain/internal/observability/alerting"
	"BioProof-Chain/internal/observability/metrics"
	"BioProof-Chain/internal/proofs"
	"BioProof-Chain/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"
)

// Networks 提供按名称与层级选择账本客户端的能力，provider.Registry 实现该接口。
type Networks interface {
	Client(name string) (ledger.Client, bool)
	DefaultNetwork() string
	FirstOfLayer(layer int) (ledger.Client, bool)
	Networks() []string
}

// ProofReader 读取已存储的证明。
type ProofReader interface {
	Get(ctx context.Context, proofHash string) (*proofs.Record, error)
}

// Config 是锚定服务的策略参数。
type Config struct {
	DefaultNetwork        string
	Layer2Network         string
	CrossChainNetworks    []string
	HybridCostRatio       float64
	QuantumCostMultiplier float64
	SmallPayloadBytes     int
	LargePayloadBytes     int
	Timeout               time.Duration
}

// ConfigFrom 从全局配置构建锚定参数。
func ConfigFrom(a config.AnchorConfig, l config.LedgerConfig) Config {
	return Config{
		DefaultNetwork:        a.DefaultNetwork,
		Layer2Network:         a.Layer2Network,
		CrossChainNetworks:    append([]string(nil), a.CrossChainNetworks...),
		HybridCostRatio:       a.HybridCostRatio,
		QuantumCostMultiplier: a.QuantumCostMultiplier,
		SmallPayloadBytes:     a.SmallPayloadBytes,
		LargePayloadBytes:     a.LargePayloadBytes,
		Timeout:               time.Duration(l.TimeoutSeconds) * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.HybridCostRatio <= 0 {
		c.HybridCostRatio = 0.3
	}
	if c.QuantumCostMultiplier <= 0 {
		c.QuantumCostMultiplier = 1.5
	}
	if c.SmallPayloadBytes <= 0 {
		c.SmallPayloadBytes = 1024
	}
	if c.LargePayloadBytes <= 0 {
		c.LargePayloadBytes = 10 * 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Service 按策略把证明或聚合根写入账本。
type Service struct {
	cfg      Config
	networks Networks
	proofs   ProofReader
	store    Store
	content  *ContentStore
	alerts   alerting.Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

// Option 自定义锚定服务。
type Option func(*Service)

// WithContentStore 指定 hybrid 载荷的内容存储。
func WithContentStore(cs *ContentStore) Option {
	return func(s *Service) {
		if cs != nil {
			s.content = cs
		}
	}
}

// WithAlerts 注入告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = d }
}

// WithMetrics 注入指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建锚定服务。
func NewService(cfg Config, networks Networks, proofReader ProofReader, store Store, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:      cfg,
		networks: networks,
		proofs:   proofReader,
		store:    store,
		logger:   logger.Named("anchor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.content == nil {
		s.content = NewContentStore(nil)
	}
	return s
}

// subject 是待锚定对象：证明或聚合根。
type subject struct {
	id      string
	leaf    [32]byte
	payload []byte
}

type proofPayload struct {
	ProofHash       string   `json:"proofHash"`
	CircuitID       string   `json:"circuitId"`
	VerificationKey string   `json:"verificationKey"`
	PublicSignals   []string `json:"publicSignals"`
	Proof           []byte   `json:"proof"`
}

func (s *Service) resolve(ctx context.Context, proofID string) (*subject, error) {
	proofID = strings.ToLower(strings.TrimSpace(proofID))
	if !proofs.ValidProofHash(proofID) {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "证明标识格式错误",
			xerrors.WithMetadata("proof_id", proofID))
	}
	subj := &subject{id: proofID, leaf: merkle.Leaf(proofID)}

	agg, err := s.store.GetAggregate(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if agg != nil {
		subj.payload, err = json.Marshal(agg)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化聚合载荷失败")
		}
		return subj, nil
	}

	record, err := s.proofs.Get(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if record.Expired(s.now()) {
		return nil, proofs.ExpiredError(proofID, record.ExpiresAt)
	}
	if !record.Verified {
		return nil, xerrors.New(xerrors.CodeValidation, "证明未通过自验证，拒绝锚定", xerrors.WithMetadata("proof_id", proofID))
	}
	subj.payload, err = json.Marshal(proofPayload{
		ProofHash:       record.ProofHash,
		CircuitID:       record.CircuitID,
		VerificationKey: record.VerificationKey,
		PublicSignals:   record.PublicSignals,
		Proof:           record.Proof,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化证明载荷失败")
	}
	return subj, nil
}

// Select 实现 optimized 策略的选择规则。
func (s *Service) Select(payloadSize int, priority Priority) Strategy {
	switch {
	case payloadSize <= s.cfg.SmallPayloadBytes && priority == PriorityCost:
		return StrategyLayer2
	case priority == PrioritySecurity:
		return StrategyQuantumResistant
	case payloadSize >= s.cfg.LargePayloadBytes:
		return StrategyCrossChain
	default:
		return StrategyHybrid
	}
}

// Anchor 按策略锚定证明或已记录的聚合根。相同 (proofID, strategy, network) 只写一次账本。
// cross_chain 在第一个失败的网络处停止，并同时返回已成功的记录与错误。
func (s *Service) Anchor(ctx context.Context, proofID string, strategy Strategy, opts Options) (*Result, error) {
	if strategy == "" {
		strategy = StrategyOptimized
	}
	subj, err := s.resolve(ctx, proofID)
	if err != nil {
		return nil, err
	}

	concrete := strategy
	if strategy == StrategyOptimized {
		concrete = s.Select(len(subj.payload), opts.Priority)
		s.logger.Debug("optimized 策略已选择",
			slog.String("proof_id", subj.id),
			slog.Int("payload_bytes", len(subj.payload)),
			slog.String("selected", string(concrete)))
	}
	res := &Result{ProofID: subj.id, Requested: strategy, Strategy: concrete}

	switch concrete {
	case StrategyOnChain, StrategyHybrid, StrategyQuantumResistant:
		client, err := s.defaultClient(opts)
		if err != nil {
			return nil, err
		}
		rec, err := s.once(ctx, subj, concrete, client)
		if err != nil {
			return nil, err
		}
		res.Records = append(res.Records, rec)
	case StrategyLayer2:
		client, err := s.layer2Client(opts)
		if err != nil {
			return nil, err
		}
		rec, err := s.once(ctx, subj, concrete, client)
		if err != nil {
			return nil, err
		}
		res.Records = append(res.Records, rec)
	case StrategyCrossChain:
		clients, err := s.crossChainClients(opts)
		if err != nil {
			return nil, err
		}
		for _, client := range clients {
			rec, err := s.once(ctx, subj, concrete, client)
			if err != nil {
				return res, err
			}
			res.Records = append(res.Records, rec)
		}
	default:
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "未知的锚定策略",
			xerrors.WithMetadata("strategy", string(strategy)))
	}
	return res, nil
}

// AnchorAggregate 折叠多个已存储证明为聚合根，记录成员后锚定该根。
func (s *Service) AnchorAggregate(ctx context.Context, hashes []string, strategy Strategy, opts Options) (*Result, error) {
	agg, err := s.RecordAggregate(ctx, hashes)
	if err != nil {
		return nil, err
	}
	return s.Anchor(ctx, agg.Root, strategy, opts)
}

// RecordAggregate 校验成员均已存储且未过期，然后记录聚合根。重复记录是幂等的。
func (s *Service) RecordAggregate(ctx context.Context, hashes []string) (*Aggregate, error) {
	root, err := merkle.Aggregate(hashes)
	if err != nil {
		return nil, err
	}
	now := s.now()
	seen := make(map[string]struct{}, len(hashes))
	members := make([]string, 0, len(hashes))
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		record, err := s.proofs.Get(ctx, h)
		if err != nil {
			return nil, err
		}
		if record.Expired(now) {
			return nil, proofs.ExpiredError(h, record.ExpiresAt)
		}
		members = append(members, h)
	}
	sort.Strings(members)
	agg := &Aggregate{Root: root, Members: members, CreatedAt: now.UTC()}
	if err := s.store.PutAggregate(ctx, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// IsAnchored 判断证明自身或任一包含它的聚合根已有锚定记录。
func (s *Service) IsAnchored(ctx context.Context, proofID string) (bool, error) {
	records, err := s.store.ListByProof(ctx, proofID)
	if err != nil {
		return false, err
	}
	if len(records) > 0 {
		return true, nil
	}
	roots, err := s.store.AggregatesContaining(ctx, proofID)
	if err != nil {
		return false, err
	}
	for _, root := range roots {
		records, err := s.store.ListByProof(ctx, root)
		if err != nil {
			return false, err
		}
		if len(records) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Records 返回证明的全部锚定记录。
func (s *Service) Records(ctx context.Context, proofID string) ([]*Record, error) {
	return s.store.ListByProof(ctx, strings.ToLower(strings.TrimSpace(proofID)))
}

func (s *Service) once(ctx context.Context, subj *subject, strategy Strategy, client ledger.Client) (*Record, error) {
	key := recordKey(subj.id, strategy, client.Name())
	v, err, _ := s.group.Do(key, func() (any, error) {
		existing, err := s.store.Get(ctx, subj.id, strategy, client.Name())
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.metrics.ObserveAnchor(string(strategy), client.Name(), "reused", 0)
			return existing, nil
		}

		wctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		rec, err := s.write(wctx, subj, strategy, client)
		if err != nil {
			return nil, s.failure(ctx, subj.id, strategy, client.Name(), err)
		}
		rec.ID = uuid.NewString()
		rec.ProofID = subj.id
		rec.Strategy = strategy
		rec.Network = client.Name()
		rec.Status = StatusConfirmed
		rec.CreatedAt = s.now().UTC()

		if err := s.store.Create(ctx, rec); err != nil {
			if xerrors.HasCode(err, xerrors.CodeConflict) {
				return s.store.Get(ctx, subj.id, strategy, client.Name())
			}
			return nil, err
		}
		s.metrics.ObserveAnchor(string(strategy), client.Name(), "written", rec.Cost)
		s.logger.Info("锚定完成",
			slog.String("proof_id", subj.id),
			slog.String("strategy", string(strategy)),
			slog.String("network", rec.Network),
			slog.String("tx_hash", rec.TransactionHash),
			slog.Float64("cost", rec.Cost))
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record).Clone(), nil
}

func (s *Service) write(ctx context.Context, subj *subject, strategy Strategy, client ledger.Client) (*Record, error) {
	baseCost := float64(len(subj.payload)) * client.PricePerByte()
	rec := &Record{}
	var data []byte

	switch strategy {
	case StrategyOnChain, StrategyLayer2, StrategyCrossChain:
		data = subj.leaf[:]
		rec.Cost = baseCost
	case StrategyHybrid, StrategyQuantumResistant:
		contentHash, err := s.content.Put(ctx, subj.payload)
		if err != nil {
			return nil, err
		}
		root, err := merkle.Aggregate([]string{subj.id, contentHash})
		if err != nil {
			return nil, err
		}
		rec.ContentHash = contentHash
		rec.MerkleRoot = root
		rec.Cost = baseCost * s.cfg.HybridCostRatio
		data, _ = hex.DecodeString(root)

		if strategy == StrategyQuantumResistant {
			buf := make([]byte, 0, len(data)+len(subj.leaf)+len(contentHash))
			buf = append(buf, data...)
			buf = append(buf, subj.leaf[:]...)
			buf = append(buf, contentHash...)
			commitment := sha3.Sum512(buf)
			rec.Commitment = hex.EncodeToString(commitment[:])
			rec.Cost *= s.cfg.QuantumCostMultiplier
			data = commitment[:]
		}
	default:
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "未知的锚定策略")
	}

	receipt, err := client.Anchor(ctx, data)
	if err != nil {
		return nil, err
	}
	rec.TransactionHash = receipt.TxHash
	rec.BlockNumber = receipt.BlockNumber
	rec.Fee = receipt.Fee
	return rec, nil
}

func (s *Service) failure(ctx context.Context, proofID string, strategy Strategy, network string, err error) error {
	if xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		return err
	}
	wrapped := xerrors.Wrap(xerrors.CodeExternalService, err, "账本锚定失败",
		xerrors.WithMetadata("proof_id", proofID),
		xerrors.WithMetadata("strategy", string(strategy)),
		xerrors.WithMetadata("network", network))
	s.metrics.ObserveAnchor(string(strategy), network, "failed", 0)
	s.logger.Error("锚定失败",
		slog.String("proof_id", proofID),
		slog.String("strategy", string(strategy)),
		slog.String("network", network),
		slog.Any("error", err))
	if s.alerts != nil {
		if alertErr := s.alerts.Notify(context.WithoutCancel(ctx), alerting.EventFromError(proofID, wrapped)); alertErr != nil {
			s.logger.Warn("发送锚定告警失败", slog.Any("error", alertErr))
		}
	}
	return wrapped
}

func (s *Service) lookup(name string) (ledger.Client, error) {
	client, ok := s.networks.Client(name)
	if !ok {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "未知的账本网络",
			xerrors.WithMetadata("network", name))
	}
	return client, nil
}

func (s *Service) defaultClient(opts Options) (ledger.Client, error) {
	name := strings.TrimSpace(opts.Network)
	if name == "" {
		name = s.cfg.DefaultNetwork
	}
	if name == "" {
		name = s.networks.DefaultNetwork()
	}
	return s.lookup(name)
}

func (s *Service) layer2Client(opts Options) (ledger.Client, error) {
	name := strings.TrimSpace(opts.Network)
	if name == "" {
		name = s.cfg.Layer2Network
	}
	if name == "" {
		client, ok := s.networks.FirstOfLayer(ledger.Layer2)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置二层网络")
		}
		return client, nil
	}
	client, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	if client.Layer() != ledger.Layer2 {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "指定网络不是二层网络",
			xerrors.WithMetadata("network", name))
	}
	return client, nil
}

// crossChainClients 在写入前校验全部网络，避免中途因配置错误停止。
func (s *Service) crossChainClients(opts Options) ([]ledger.Client, error) {
	names := opts.Networks
	if len(names) == 0 {
		names = s.cfg.CrossChainNetworks
	}
	if len(names) == 0 {
		for _, name := range s.networks.Networks() {
			if c, ok := s.networks.Client(name); ok && c.Layer() == ledger.Layer1 {
				names = append(names, name)
			}
		}
	}
	seen := make(map[string]struct{}, len(names))
	clients := make([]ledger.Client, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		client, err := s.lookup(name)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "跨链锚定缺少目标网络")
	}
	return clients, nil
}
