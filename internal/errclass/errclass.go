// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errclass maps raw failures onto a fixed taxonomy with retryability
// and user-facing text. The retry executor and every user-facing error
// surface share the same Classifier.
package errclass

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"
)

// =============================================================================
// CLASSIFIED ERROR
// =============================================================================

// ClassifiedError is the immutable result of classifying one failure.
type ClassifiedError struct {
	Kind        Kind
	RawMessage  string
	UserMessage string
	Retryable   bool
	Timestamp   time.Time

	cause error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return e.Kind.String() + ": " + e.RawMessage
}

// Unwrap returns the original error.
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// SuggestedDelay is a hint for user-driven retries of this failure.
func (e *ClassifiedError) SuggestedDelay() time.Duration {
	return e.Kind.SuggestedDelay()
}

// New builds a ClassifiedError of a known kind without running the matcher.
func New(kind Kind, raw string) *ClassifiedError {
	return build(kind, raw, nil, time.Now())
}

func build(kind Kind, raw string, cause error, at time.Time) *ClassifiedError {
	return &ClassifiedError{
		Kind:        kind,
		RawMessage:  raw,
		UserMessage: kind.UserMessage(),
		Retryable:   kind.Retryable(),
		Timestamp:   at,
		cause:       cause,
	}
}

// =============================================================================
// CLASSIFICATION HOOKS
// =============================================================================

// Kinded is implemented by errors that already know their kind.
type Kinded interface {
	ErrorKind() Kind
}

// StatusCoder is implemented by errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string   { return e.err.Error() }
func (e *kindedError) Unwrap() error   { return e.err }
func (e *kindedError) ErrorKind() Kind { return e.kind }

// WithKind tags err with an explicit kind. A nil err stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: err}
}

// KindForStatus maps an HTTP status code. ok is false for codes that carry
// no classification (2xx, 3xx, most 4xx).
func KindForStatus(code int) (kind Kind, ok bool) {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return AuthenticationFailed, true
	case code == http.StatusNotFound:
		return SessionNotFound, true
	case code == http.StatusRequestEntityTooLarge:
		return MessageTooLong, true
	case code == http.StatusTooManyRequests:
		return RateLimited, true
	case code == http.StatusServiceUnavailable:
		return ServiceUnavailable, true
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return ConnectionTimeout, true
	case code >= 500 && code <= 599:
		return ServerError, true
	}
	return Unknown, false
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Signature is one entry of the ordered keyword table.
type Signature struct {
	Kind Kind
	// Keywords are matched case-insensitively; any match selects Kind.
	// All-digit keywords such as "404" only match as whole numbers.
	Keywords []string
}

// Classifier matches errors against typed checks and an ordered signature list.
type Classifier struct {
	mu         sync.RWMutex
	signatures []Signature
	now        func() time.Time
}

var (
	defaultClassifier     *Classifier
	defaultClassifierOnce sync.Once
)

// Default returns the shared classifier.
func Default() *Classifier {
	defaultClassifierOnce.Do(func() {
		defaultClassifier = NewClassifier()
	})
	return defaultClassifier
}

// Classify classifies err with the shared classifier.
func Classify(err error) *ClassifiedError {
	return Default().Classify(err)
}

// KindOf is shorthand for Classify(err).Kind. A nil error is Unknown.
func KindOf(err error) Kind {
	if ce := Classify(err); ce != nil {
		return ce.Kind
	}
	return Unknown
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.Retryable
}

// NewClassifier creates a classifier with the default signatures.
func NewClassifier() *Classifier {
	c := &Classifier{now: time.Now}
	c.signatures = append(c.signatures, defaultSignatures()...)
	return c
}

// AddSignature registers a signature ahead of the defaults.
func (c *Classifier) AddSignature(sig Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signatures = append([]Signature{sig}, c.signatures...)
}

// Classify never panics. A nil error yields nil; an error that is already a
// ClassifiedError is returned unchanged.
func (c *Classifier) Classify(err error) (result *ClassifiedError) {
	if err == nil {
		return nil
	}
	at := c.now()

	defer func() {
		if r := recover(); r != nil {
			result = build(Unknown, fmt.Sprintf("unclassifiable error: %v", r), err, at)
		}
	}()

	var existing *ClassifiedError
	if errors.As(err, &existing) {
		return existing
	}

	raw := err.Error()
	if kind, ok := typedKind(err); ok {
		return build(kind, raw, err, at)
	}
	if kind, ok := c.matchText(raw); ok {
		return build(kind, raw, err, at)
	}
	return build(Unknown, raw, err, at)
}

// typedKind inspects the error chain before any text matching.
func typedKind(err error) (Kind, bool) {
	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.ErrorKind(), true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if kind, ok := KindForStatus(sc.StatusCode()); ok {
			return kind, true
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ConnectionTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ConnectionTimeout, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectionRefused, true
	}
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return NetworkUnreachable, true
	}
	if errors.Is(err, syscall.ENOSPC) {
		return StorageQuota, true
	}

	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verify *tls.CertificateVerificationError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify) {
		return SSLCertificateError, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NetworkUnreachable, true
	}
	return Unknown, false
}

// matchText walks the signatures in order; the first match wins.
func (c *Classifier) matchText(raw string) (Kind, bool) {
	text := strings.ToLower(raw)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sig := range c.signatures {
		for _, kw := range sig.Keywords {
			if containsKeyword(text, strings.ToLower(kw)) {
				return sig.Kind, true
			}
		}
	}
	return Unknown, false
}

func containsKeyword(text, kw string) bool {
	if kw == "" {
		return false
	}
	if !isDigits(kw) {
		return strings.Contains(text, kw)
	}
	for offset := 0; ; {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(kw)
		before := start == 0 || !isDigit(text[start-1])
		after := end == len(text) || !isDigit(text[end])
		if before && after {
			return true
		}
		offset = start + 1
	}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// defaultSignatures is ordered from most to least specific.
func defaultSignatures() []Signature {
	return []Signature{
		{Kind: ConnectionTimeout, Keywords: []string{
			"timeout", "timed out", "deadline exceeded",
		}},
		{Kind: ConnectionRefused, Keywords: []string{
			"connection refused", "econnrefused", "actively refused",
		}},
		{Kind: SSLCertificateError, Keywords: []string{
			"certificate", "x509", "tls handshake", "ssl",
		}},
		{Kind: InvalidAPIKey, Keywords: []string{
			"invalid api key", "invalid_api_key", "api key is invalid",
		}},
		{Kind: AuthenticationFailed, Keywords: []string{
			"401", "403", "unauthorized", "forbidden", "authentication failed",
		}},
		{Kind: SessionNotFound, Keywords: []string{
			"404", "session not found", "no such session",
		}},
		{Kind: RateLimited, Keywords: []string{
			"429", "rate limit", "too many requests",
		}},
		{Kind: ServiceUnavailable, Keywords: []string{
			"503", "service unavailable",
		}},
		{Kind: ServerError, Keywords: []string{
			"500", "502", "504", "internal server error", "bad gateway", "server error",
		}},
		{Kind: StorageQuota, Keywords: []string{
			"quota exceeded", "no space left", "database or disk is full", "sqlite_full", "disk full", "storage full",
		}},
		{Kind: NetworkUnreachable, Keywords: []string{
			"network is unreachable", "network unreachable", "no route to host", "no such host", "connection reset",
		}},
		{Kind: NotConnected, Keywords: []string{
			"not connected", "no server connection",
		}},
		{Kind: Offline, Keywords: []string{
			"offline", "no internet",
		}},
		{Kind: MessageTooLong, Keywords: []string{
			"413", "message too long", "message is too long", "payload too large", "request entity too large",
		}},
	}
}
