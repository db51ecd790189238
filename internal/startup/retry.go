package startup

import (
	"fmt"
	"time"

	"github.com/whisper/internal/logger"
)

// retry вызывает connect, пока он не вернёт nil или не выйдет maxWait. Пауза растёт от 2s до 30s.
func retry(what string, maxWait time.Duration, logPrefix string, connect func() error) error {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := connect()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
