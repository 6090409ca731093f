package claude

import (
	"context"
	stderrors "errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/ensemble/internal/errors"
)

var (
	retryAfterPattern = regexp.MustCompile(`(?i)retry(?:ing)?\s+(?:after|in)\s+(\d+)`)
	statusPattern     = regexp.MustCompile(`(?i)(?:api error|status(?: code)?)[:\s]+(\d{3})`)
)

// Classify maps a subprocess failure to a kinded error. Every
// agent-side failure funnels through here exactly once so callers see
// a consistent taxonomy: timeout, rate limit, network, or agent error.
func Classify(op errors.Op, err error, stderr string) error {
	var kindErr *errors.Error
	if stderrors.As(err, &kindErr) {
		return err
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.E(op, errors.KindTimeout, "agent turn timed out", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.E(op, errors.KindCancelled, "agent turn cancelled", err)
	}
	if stderrors.Is(err, exec.ErrNotFound) {
		return errors.AgentNotFound("claude")
	}

	detail := stderr
	if detail == "" && err != nil {
		detail = err.Error()
	}
	lower := strings.ToLower(detail)

	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return errors.RateLimited(op, parseRetryAfter(detail), wrapDetail(err, detail))
	case isNetworkError(lower):
		return errors.E(op, errors.KindNetwork, detail, err)
	default:
		return errors.AgentFailed(op, parseStatusCode(detail), detail, err)
	}
}

func isNetworkError(lower string) bool {
	for _, marker := range []string{
		"network",
		"connection refused",
		"connection reset",
		"econnrefused",
		"econnreset",
		"enotfound",
		"etimedout",
		"dial tcp",
		"no such host",
		"tls handshake",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// parseRetryAfter pulls a retry-after hint (in seconds) out of the
// error text, if present.
func parseRetryAfter(detail string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(detail)
	if len(m) != 2 {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// parseStatusCode pulls an HTTP status code out of the error text, if
// present. Returns 0 when there is none.
func parseStatusCode(detail string) int {
	m := statusPattern.FindStringSubmatch(detail)
	if len(m) != 2 {
		return 0
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return code
}

func wrapDetail(err error, detail string) error {
	if err != nil {
		return err
	}
	return stderrors.New(detail)
}
