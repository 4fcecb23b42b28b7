package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyResponse = errors.New("LLM response had no content")

	retryableStatusRE = regexp.MustCompile(`(?:^|\D)(429|500|502|503|504)(?:\D|$)`)
)

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// IsRetryable reports whether a backend error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	if message == "" {
		return false
	}
	if strings.Contains(message, "timeout") || strings.Contains(message, "timed out") {
		return true
	}
	if strings.Contains(message, "bad gateway") || strings.Contains(message, "temporarily unavailable") {
		return true
	}
	if strings.Contains(message, "connection reset") || strings.Contains(message, "connection refused") {
		return true
	}
	return retryableStatusRE.MatchString(message)
}
