package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"BioProof-Chain/pkg/logger"
)

// BatchConfig 控制批处理窗口。
type BatchConfig struct {
	// Window 是单个窗口内并发执行的条目数。
	Window int
	// Delay 是相邻窗口之间的停顿。
	Delay time.Duration
}

// BatchResult 记录单个条目的结果，顺序与输入一致。
type BatchResult[R any] struct {
	Index int
	Value R
	Err   error
}

// RunBatches 以固定大小的窗口并发处理 items。单个条目失败不会中断其他条目，
// 只有 ctx 结束时才会停止调度后续窗口。
func RunBatches[T, R any](ctx context.Context, cfg BatchConfig, items []T, fn func(context.Context, T) (R, error)) ([]BatchResult[R], error) {
	window := cfg.Window
	if window <= 0 {
		window = 10
	}
	results := make([]BatchResult[R], len(items))
	for start := 0; start < len(items); start += window {
		if start > 0 && cfg.Delay > 0 {
			timer := time.NewTimer(cfg.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results[:start], ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return results[:start], err
		}
		end := min(start+window, len(items))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				value, err := fn(gctx, items[i])
				results[i] = BatchResult[R]{Index: i, Value: value, Err: err}
				return nil
			})
		}
		_ = g.Wait()
		logger.L().Debug("批处理窗口完成",
			slog.Int("start", start),
			slog.Int("end", end),
			slog.Int("total", len(items)),
		)
	}
	return results, nil
}
