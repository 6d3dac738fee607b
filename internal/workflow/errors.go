package workflow

import "strings"

// FailureClass categorizes collaborator failures for retry and reporting
// decisions.
type FailureClass string

const (
	// FailureTimeout indicates a request timeout or exceeded deadline.
	FailureTimeout FailureClass = "TIMEOUT"

	// FailureRateLimit indicates rate limiting or quota exhaustion (429).
	FailureRateLimit FailureClass = "RATE_LIMIT"

	// FailureNetwork indicates transport-level trouble (refused, reset, DNS).
	FailureNetwork FailureClass = "NETWORK"

	// FailureNotFound indicates a missing resource (404, no such file).
	FailureNotFound FailureClass = "NOT_FOUND"

	// FailureAuth indicates authentication/authorization failures (401, 403).
	FailureAuth FailureClass = "AUTH"

	// FailureForbiddenTool indicates a tool call blocked by policy.
	FailureForbiddenTool FailureClass = "FORBIDDEN_TOOL"

	// FailureTokenLimit indicates the prompt exceeded the model's context
	// window.
	FailureTokenLimit FailureClass = "TOKEN_LIMIT"

	// FailureInternal indicates a server-side fault (500, panic).
	FailureInternal FailureClass = "INTERNAL"

	// FailureUnknown is the default for unrecognized errors.
	FailureUnknown FailureClass = "UNKNOWN"
)

// Retryable reports whether a failure of this class is worth retrying.
// Auth, policy, and context-window failures repeat deterministically.
func (c FailureClass) Retryable() bool {
	switch c {
	case FailureAuth, FailureForbiddenTool, FailureTokenLimit, FailureNotFound:
		return false
	}
	return true
}

// Classify categorizes a collaborator error by inspecting its message for
// known patterns, returning the most specific class that matches.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())

	// Policy blocks mention the tool; check before generic auth words.
	if strings.Contains(msg, "forbidden tool") ||
		strings.Contains(msg, "tool not allowed") ||
		strings.Contains(msg, "blocked by policy") ||
		strings.Contains(msg, "denylisted") {
		return FailureForbiddenTool
	}

	// Context overflow: context_length, token limit, max tokens, context window.
	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return FailureTokenLimit
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return FailureRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return FailureTimeout
	}

	// Auth: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return FailureAuth
	}

	// Not found: 404, missing resources.
	if strings.Contains(msg, "404") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such file") {
		return FailureNotFound
	}

	// Network: refused, reset, DNS, broken pipe.
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "unexpected eof") {
		return FailureNetwork
	}

	// Server-side faults.
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "internal error") ||
		strings.Contains(msg, "panic") {
		return FailureInternal
	}

	return FailureUnknown
}
