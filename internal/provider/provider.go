// Package provider defines the upstream email capability the dispatch engine
// sends through, plus adapters for the providers we run against.
//
// Adapters follow the error-in-result convention: when the provider's API
// answers at all, the outcome lands in Result (OK, ErrorCode, Class) with a
// nil error; a non-nil error means the exchange itself could not complete and
// the caller should treat it as retryable.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// ErrorClass tells the engine how to react to a failed send.
type ErrorClass string

const (
	// ClassRetryable covers network failures, provider 5xx, and anything
	// else a later attempt might succeed at.
	ClassRetryable ErrorClass = "retryable"
	// ClassPermanent covers invalid addresses, rejected content, and other
	// failures a retry cannot fix. No retry task is created.
	ClassPermanent ErrorClass = "permanent"
	// ClassRateLimited is the provider telling us to slow down. Retried
	// like ClassRetryable; the rate limiter is the first line of defense.
	ClassRateLimited ErrorClass = "rate_limited"
)

// Retryable reports whether a failure of this class should schedule a retry.
func (c ErrorClass) Retryable() bool {
	return c != ClassPermanent
}

// Envelope is one fully-expanded message: all template substitution is done
// before it reaches a provider.
type Envelope struct {
	To        []string `json:"to"`
	FromName  string   `json:"from_name,omitempty"`
	FromEmail string   `json:"from_email"`
	ReplyTo   string   `json:"reply_to,omitempty"`
	Subject   string   `json:"subject"`
	HTML      string   `json:"html"`
	Text      string   `json:"text,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Result is the outcome of one provider call.
type Result struct {
	OK        bool       `json:"ok"`
	ID        string     `json:"id,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
	Error     string     `json:"error,omitempty"`
	Class     ErrorClass `json:"error_class,omitempty"`
}

// Provider sends a single envelope. Implementations must be safe for
// concurrent use; the engine enforces a per-call timeout via the context.
type Provider interface {
	Send(ctx context.Context, env *Envelope) (*Result, error)
	Name() string
}

// ClassifyStatus maps an HTTP status code from a provider API to an error
// class: 429 throttles, other 4xx are permanent, everything else retryable.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ClassRateLimited
	case status >= 500:
		return ClassRetryable
	case status >= 400:
		return ClassPermanent
	default:
		return ClassRetryable
	}
}

// FormatFrom renders a display-name address ("Name <a@b>") when a name is
// present.
func FormatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// splitTag turns a "key=value" tag into its halves; a bare tag becomes a key
// with an empty value.
func splitTag(tag string) (string, string) {
	if i := strings.IndexByte(tag, '='); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}
