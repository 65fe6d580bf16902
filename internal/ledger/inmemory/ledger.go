package inmemory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"sync"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/ledger"
)

// Entry 是写入内存账本的一条记录。
type Entry struct {
	Receipt ledger.Receipt
	Payload []byte
}

// Ledger 是进程内的确定性账本，用于本地部署与测试。
type Ledger struct {
	name  string
	layer int
	price float64

	mu      sync.Mutex
	entries []Entry
	failErr error
	closed  bool
}

// New 创建内存账本。
func New(name string, layer int, pricePerByte float64) *Ledger {
	if layer == 0 {
		layer = ledger.Layer1
	}
	return &Ledger{name: name, layer: layer, price: pricePerByte}
}

// Name 返回网络名称。
func (l *Ledger) Name() string { return l.name }

// Layer 返回网络层级。
func (l *Ledger) Layer() int { return l.layer }

// PricePerByte 返回每字节单价。
func (l *Ledger) PricePerByte() float64 { return l.price }

// FailWith 让后续写入返回指定错误，传 nil 恢复正常。
func (l *Ledger) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

// Anchor 追加一条记录，区块高度从 1 开始递增。
func (l *Ledger) Anchor(ctx context.Context, payload []byte) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err, "账本写入被取消")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeExternalService, "账本已关闭",
			xerrors.WithMetadata("network", l.name))
	}
	if l.failErr != nil {
		return ledger.Receipt{}, xerrors.Wrap(xerrors.CodeExternalService, l.failErr, "账本写入失败",
			xerrors.WithMetadata("network", l.name))
	}

	block := uint64(len(l.entries) + 1)
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], block)
	h := sha256.New()
	h.Write([]byte(l.name))
	h.Write(height[:])
	h.Write(payload)

	receipt := ledger.Receipt{
		Network:     l.name,
		TxHash:      "0x" + hex.EncodeToString(h.Sum(nil)),
		BlockNumber: block,
		Fee:         strconv.Itoa(len(payload)),
	}
	l.entries = append(l.entries, Entry{Receipt: receipt, Payload: append([]byte(nil), payload...)})
	return receipt, nil
}

// Writes 返回成功写入次数。
func (l *Ledger) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries 返回已写入记录的副本。
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Close 关闭账本，之后的写入会失败。
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

var _ ledger.Client = (*Ledger)(nil)
