// Package apperrors defines the error taxonomy shared by all components.
// Leaf components tag errors with a category; only the HTTP boundary
// converts categories into status codes.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category groups errors by who can act on them
type Category string

const (
	CategoryClient   Category = "client"
	CategoryAuth     Category = "auth"
	CategorySession  Category = "session"
	CategoryUpstream Category = "upstream"
	CategoryInternal Category = "internal"
)

// UpstreamKind refines upstream failures so the guard and the recovery
// supervisor can react differently to each
type UpstreamKind string

const (
	KindRateLimited UpstreamKind = "rate_limited"
	KindConnection  UpstreamKind = "connection"
	KindTimeout     UpstreamKind = "timeout"
	KindOther       UpstreamKind = "other"
)

// Standardized sentinel errors
var (
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrChallengeExpired     = errors.New("challenge timestamp expired")
	ErrDuplicateNonce       = errors.New("nonce already used")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrUnknownWalletType    = errors.New("unknown wallet type")
	ErrUserNotFound         = errors.New("user not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrDuplicateGridSession = errors.New("duplicate grid session for user and instrument")
	ErrCreationRateLimited  = errors.New("session creation rate limited")
	ErrConnectionLimit      = errors.New("websocket connection limit reached")
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrRecoveryFailed       = errors.New("recovery failed")
)

// Classified wraps an error with its category and a stable machine code.
// UserMessage is the operator-facing natural language string.
type Classified struct {
	Category    Category
	Kind        UpstreamKind
	Code        string
	UserMessage string
	Err         error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("[%s/%s] %v", c.Category, c.Code, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// New builds a classified error
func New(cat Category, code string, err error) *Classified {
	return &Classified{Category: cat, Code: code, Err: err}
}

// WithUser attaches a user-facing message
func (c *Classified) WithUser(msg string) *Classified {
	c.UserMessage = msg
	return c
}

// CategoryOf extracts the category of an error, defaulting to internal
func CategoryOf(err error) Category {
	var c *Classified
	if errors.As(err, &c) {
		return c.Category
	}
	return CategoryInternal
}

// ClassifyUpstream inspects an error from the exchange transport and tags
// it with an upstream kind. String matching follows the upstream's error
// surface, which does not expose structured codes on every path.
func ClassifyUpstream(err error) UpstreamKind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, ErrRateLimitExceeded) {
		return KindRateLimited
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return KindRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe") {
		return KindConnection
	}
	return KindOther
}

// IsRateLimited reports whether the error is an upstream rate-limit rejection
func IsRateLimited(err error) bool {
	return ClassifyUpstream(err) == KindRateLimited
}

// IsTransient reports whether a retry may succeed
func IsTransient(err error) bool {
	switch ClassifyUpstream(err) {
	case KindRateLimited, KindConnection, KindTimeout:
		return true
	default:
		return false
	}
}
