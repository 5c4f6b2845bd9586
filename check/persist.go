package check

import (
	"context"
	"fmt"
	"time"
)

const (
	saveMaxRetries    = 3
	saveRetryInterval = time.Second
)

// SaveWithRetry 固定间隔重试保存，onFail 在每次失败后调用
func SaveWithRetry(ctx context.Context, p Persister, result ScanResult, attempts int, interval time.Duration, onFail func(attempt int, err error)) error {
	if attempts <= 0 {
		attempts = saveMaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.SaveNodes(ctx, result)
		if err == nil {
			return nil
		}
		lastErr = err
		if onFail != nil {
			onFail(attempt, err)
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("保存节点失败: %w", ctx.Err())
			case <-time.After(interval):
			}
		}
	}
	return fmt.Errorf("保存节点失败，已重试 %d 次: %w", attempts, lastErr)
}
