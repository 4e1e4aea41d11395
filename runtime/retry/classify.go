package retry

import (
	"fmt"
	"strings"
)

// Classifiers are pure functions mapping (status code, message) into the retry
// taxonomy. HTTP status codes carry the coarse classification; provider
// classifiers additionally inspect messages for well-known failure substrings.

// retryableSubstrings mark transient provider faults regardless of status code.
var retryableSubstrings = []string{
	"rate limit",
	"timeout",
	"connection",
	"overloaded",
	"server_error",
}

// nonRetryableSubstrings mark permanent provider faults regardless of status code.
var nonRetryableSubstrings = []string{
	"invalid api key",
	"unauthorized",
	"invalid request",
	"bad request",
	"model not found",
	"authentication",
	"permission",
}

// ClassifyHTTP maps an HTTP status code and message into the retry taxonomy.
// 429 and 5xx gateway-class statuses are retryable; 4xx client errors are
// permanent; unknown statuses default to retryable.
func ClassifyHTTP(status int, message string) error {
	err := fmt.Errorf("HTTP %d: %s", status, message)
	switch status {
	case 429, 500, 502, 503, 504:
		return Retryable(err)
	case 400, 401, 403, 404, 422:
		return NonRetryable(err)
	default:
		return Retryable(err)
	}
}

// ClassifyProvider maps a provider failure message into the retry taxonomy by
// substring inspection. Permanent markers win over transient ones; unknown
// messages default to retryable so backoff gets a chance to recover them.
func ClassifyProvider(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return NonRetryable(fmt.Errorf("%s: %w", provider, err))
		}
	}
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return Retryable(fmt.Errorf("%s: %w", provider, err))
		}
	}
	return Retryable(fmt.Errorf("%s: %w", provider, err))
}

// ClassifyOpenAI classifies an OpenAI API failure.
func ClassifyOpenAI(err error) error { return ClassifyProvider("openai", err) }

// ClassifyAnthropic classifies an Anthropic API failure.
func ClassifyAnthropic(err error) error { return ClassifyProvider("anthropic", err) }

// ClassifyBedrock classifies an AWS Bedrock failure.
func ClassifyBedrock(err error) error { return ClassifyProvider("bedrock", err) }
