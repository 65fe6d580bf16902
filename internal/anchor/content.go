package anchor

import (
	"context"
	"errors"

	xerrors "BioProof-Chain/internal/errors"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	mh "github.com/multiformats/go-multihash"
)

// ContentStore 以 multihash 为键保存 hybrid 策略的完整载荷。
type ContentStore struct {
	ds datastore.Datastore
}

// NewContentStore 包装给定的 datastore，nil 时使用线程安全的内存实现。
func NewContentStore(ds datastore.Datastore) *ContentStore {
	if ds == nil {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	}
	return &ContentStore{ds: ds}
}

// Put 写入数据并返回 base58 编码的 sha2-256 multihash。
func (s *ContentStore) Put(ctx context.Context, data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算内容哈希失败")
	}
	contentHash := sum.B58String()
	if err := s.ds.Put(ctx, datastore.NewKey(contentHash), data); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入内容存储失败")
	}
	return contentHash, nil
}

// Get 读取内容，不存在时返回 NOT_FOUND。
func (s *ContentStore) Get(ctx context.Context, contentHash string) ([]byte, error) {
	data, err := s.ds.Get(ctx, datastore.NewKey(contentHash))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, xerrors.New(xerrors.CodeNotFound, "内容不存在", xerrors.WithMetadata("content_hash", contentHash))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取内容存储失败")
	}
	return data, nil
}

// Close 关闭底层 datastore。
func (s *ContentStore) Close() error {
	return s.ds.Close()
}
