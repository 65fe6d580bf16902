// Package merkle 将多个证明哈希折叠为一个规范的 Merkle 根。聚合只是承诺与压缩，
// 不证明任何超出各成员证明的内容。
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	dcrmerkle "github.com/decred/dcrtime/merkle"

	xerrors "BioProof-Chain/internal/errors"
)

// Leaf 将输入转换为 32 字节叶子：64 位十六进制直接解码，其余字符串先做 SHA-256。
func Leaf(value string) [sha256.Size]byte {
	var leaf [sha256.Size]byte
	lower := strings.ToLower(value)
	if len(lower) == hex.EncodedLen(sha256.Size) {
		if raw, err := hex.DecodeString(lower); err == nil {
			copy(leaf[:], raw)
			return leaf
		}
	}
	return sha256.Sum256([]byte(value))
}

// Aggregate 对输入去重并按字典序排序后两两折叠，奇数个时复制末尾元素，返回十六进制根。
// 结果只取决于输入集合，与顺序和重复无关。
func Aggregate(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "", xerrors.New(xerrors.CodeAggregation, "聚合输入为空")
	}
	seen := make(map[string]struct{}, len(hashes))
	sorted := make([]string, 0, len(hashes))
	for i, h := range hashes {
		if strings.TrimSpace(h) == "" {
			return "", xerrors.New(xerrors.CodeAggregation, "聚合输入包含空哈希",
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
		h = strings.ToLower(h)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)

	leaves := make([]*[sha256.Size]byte, len(sorted))
	for i, h := range sorted {
		leaf := Leaf(h)
		leaves[i] = &leaf
	}
	root := dcrmerkle.Root(leaves)
	if root == nil {
		return "", xerrors.New(xerrors.CodeAggregation, "计算 Merkle 根失败")
	}
	return hex.EncodeToString(root[:]), nil
}
