// Package errors provides structured error types for the Ensemble daemon.
// Errors carry an operation, a kind for dispatch, and the underlying cause.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Op describes an operation, usually as "package.Function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindExists
	KindNotRepo
	KindBranchExists
	KindGit
	KindConfig
	KindRateLimit
	KindNetwork
	KindAgent
	KindTimeout
	KindCancelled
	KindConflict
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindExists:
		return "already exists"
	case KindNotRepo:
		return "not a git repository"
	case KindBranchExists:
		return "branch exists"
	case KindGit:
		return "git error"
	case KindConfig:
		return "configuration error"
	case KindRateLimit:
		return "rate limited"
	case KindNetwork:
		return "network error"
	case KindAgent:
		return "agent error"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal error"
	default:
		return "unknown error"
	}
}

// Code returns the stable machine-readable code for the kind, used on the
// gateway wire protocol.
func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindInvalid:
		return "INVALID"
	case KindExists:
		return "ALREADY_EXISTS"
	case KindNotRepo:
		return "NOT_GIT_REPO"
	case KindBranchExists:
		return "BRANCH_EXISTS"
	case KindGit:
		return "GIT_OPERATION_FAILED"
	case KindConfig:
		return "CONFIGURATION"
	case KindRateLimit:
		return "RATE_LIMITED"
	case KindNetwork:
		return "NETWORK"
	case KindAgent:
		return "AGENT_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	case KindConflict:
		return "CONFLICT"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the structured error type for Ensemble.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context

	// RetryAfter is an optional hint carried by rate-limit errors.
	RetryAfter time.Duration
	// StatusCode is an optional HTTP-ish status carried by agent errors.
	StatusCode int
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Context)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil && e.Context != "" {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	if e.Err == nil {
		e.Err = errors.New(e.Kind.String())
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the Kind of an error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Session errors

func SessionNotFound(id string) error {
	return E(Op("session.Get"), KindNotFound, fmt.Sprintf("session %s not found", id))
}

func InvalidSessionData(reason string) error {
	return E(Op("session.Create"), KindInvalid, reason)
}

func NotGitRepo(path string) error {
	return E(Op("session.Create"), KindNotRepo, fmt.Sprintf("%s is not a git repository", path))
}

// Git errors

func BranchExists(branch string) error {
	return E(Op("git.CreateBranch"), KindBranchExists, fmt.Sprintf("branch %s already exists", branch))
}

func GitOperationFailed(op Op, detail string, err error) error {
	return E(op, KindGit, detail, err)
}

// Message errors

func InvalidMessage(reason string) error {
	return E(Op("chat.SendMessage"), KindInvalid, reason)
}

// Config errors

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindConfig, reason)
}

// Agent errors

func AgentNotFound(binary string) error {
	return E(Op("claude.Start"), KindNotFound, fmt.Sprintf("%s executable not found in PATH", binary))
}

// RateLimited builds a rate-limit error with an optional retry-after hint.
func RateLimited(op Op, retryAfter time.Duration, err error) error {
	e := &Error{Op: op, Kind: KindRateLimit, Err: err, RetryAfter: retryAfter}
	if e.Err == nil {
		e.Err = errors.New("rate limited")
	}
	return e
}

// AgentFailed builds an agent error carrying an optional status code.
func AgentFailed(op Op, statusCode int, detail string, err error) error {
	e := &Error{Op: op, Kind: KindAgent, Err: err, Context: detail, StatusCode: statusCode}
	if e.Err == nil {
		e.Err = errors.New(detail)
		e.Context = ""
	}
	return e
}
