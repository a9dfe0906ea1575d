package request

import (
	"net/http"
	"regexp"
	"strings"
)

// MaxHeaderValueLength bounds an individual header value.
const MaxHeaderValueLength = 8192

// ForbiddenHeaders are managed by the HTTP/browser backend, never by
// request.Headers directly.
var ForbiddenHeaders = []string{"Host", "Content-Length", "Transfer-Encoding", "Connection"}

// sensitiveKeywords identify header names that must be redacted before
// a Request (or its error messages) is logged.
var sensitiveKeywords = []string{"authorization", "token", "key", "secret", "password", "credential", "api-key"}

// HeaderValidator checks that user-supplied headers are well-formed
// and don't collide with headers the backend owns.
type HeaderValidator struct {
	nameRegex  *regexp.Regexp
	valueRegex *regexp.Regexp
	forbidden  map[string]bool
}

// NewHeaderValidator builds a validator with the package defaults.
func NewHeaderValidator() *HeaderValidator {
	forbidden := make(map[string]bool, len(ForbiddenHeaders))
	for _, h := range ForbiddenHeaders {
		forbidden[strings.ToLower(h)] = true
	}
	return &HeaderValidator{
		nameRegex:  regexp.MustCompile(`^[A-Za-z0-9-]+$`),
		valueRegex: regexp.MustCompile(`^[\x20-\x7E\t]*$`),
		forbidden:  forbidden,
	}
}

// Validate rejects malformed names/values and forbidden headers.
func (v *HeaderValidator) Validate(h http.Header) error {
	for name, values := range h {
		if !v.nameRegex.MatchString(name) {
			return &InvalidHeaderError{Name: name, Reason: "invalid header name"}
		}
		if v.forbidden[strings.ToLower(name)] {
			return &InvalidHeaderError{Name: name, Reason: "header is managed by the backend"}
		}
		for _, value := range values {
			if len(value) > MaxHeaderValueLength {
				return &InvalidHeaderError{Name: name, Reason: "value exceeds max length"}
			}
			if !v.valueRegex.MatchString(value) {
				return &InvalidHeaderError{Name: name, Reason: "value contains non-printable characters"}
			}
		}
	}
	return nil
}

// InvalidHeaderError reports why a header was rejected.
type InvalidHeaderError struct {
	Name   string
	Reason string
}

func (e *InvalidHeaderError) Error() string {
	return "request: invalid header " + e.Name + ": " + e.Reason
}

// HeaderRedactor masks sensitive header values so logs never carry
// credentials from a Request's headers.
type HeaderRedactor struct {
	keywords []string
}

// NewHeaderRedactor builds a redactor with the package defaults.
func NewHeaderRedactor() *HeaderRedactor {
	return &HeaderRedactor{keywords: sensitiveKeywords}
}

// IsSensitive reports whether a header name looks like a credential.
func (r *HeaderRedactor) IsSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Redact returns a copy of h with sensitive values replaced.
func (r *HeaderRedactor) Redact(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if r.IsSensitive(name) {
			out[name] = "***REDACTED***"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
