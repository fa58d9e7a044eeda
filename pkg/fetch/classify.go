// Package fetch implements the rate-aware request executor: it runs one
// logical upstream call under a pool credential, classifies the outcome, and
// drives transient retry with backoff and quota-driven credential rotation.
package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/valuescan/fundcollect/pkg/provider"
)

// ErrorClass is the executor's verdict on a failed upstream call.
type ErrorClass string

const (
	// ClassQuota means the credential's usage allowance is consumed.
	// Triggers rotation to a fresh credential, not an entity retry.
	ClassQuota ErrorClass = "quota"

	// ClassTransient means a retryable failure unrelated to quota:
	// timeouts, connection drops, 5xx responses.
	ClassTransient ErrorClass = "transient"

	// ClassFatal means a permanent per-request failure: malformed request,
	// unknown entity, permission errors. Never retried.
	ClassFatal ErrorClass = "fatal"
)

// Classifier decides the class of a failed upstream call. The upstream lacks
// structured quota codes, so the predicate is pluggable rather than fixed.
type Classifier interface {
	Classify(err error) ErrorClass
}

// DefaultQuotaKeywords are the message fragments the upstream is known to use
// when a credential hits its allowance, including localized phrasings.
var DefaultQuotaKeywords = []string{"limit", "限制", "timeout", "超时", "rate"}

// KeywordClassifier classifies structural signals first (HTTP status, socket
// timeouts), then falls back to keyword matching on upstream messages.
type KeywordClassifier struct {
	quotaKeywords []string
}

// NewKeywordClassifier creates a classifier with the given quota keywords,
// falling back to DefaultQuotaKeywords when none are supplied. Keywords
// match case-insensitively.
func NewKeywordClassifier(keywords []string) *KeywordClassifier {
	if len(keywords) == 0 {
		keywords = DefaultQuotaKeywords
	}
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	return &KeywordClassifier{quotaKeywords: lowered}
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(err error) ErrorClass {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		for _, kw := range c.quotaKeywords {
			if strings.Contains(msg, kw) {
				return ClassQuota
			}
		}
		return ClassFatal
	}

	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return ClassQuota
		case httpErr.StatusCode >= 500:
			return ClassTransient
		default:
			return ClassFatal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	// Transport-level failures (refused connections, resets, DNS hiccups)
	// surface as *url.Error from the HTTP client.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTransient
	}

	return ClassFatal
}
