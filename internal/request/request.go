// Package request defines the unit of work the scheduling engine moves
// between the frontier, the autoscaled pool, and the caller's handler.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxErrorMessages bounds how many handler error messages a Request
// retains, so a request that keeps failing doesn't grow without limit.
const MaxErrorMessages = 10

// Request is one URL to fetch and hand to the caller's handler.
// Identifier equality is the unit of deduplication across the List and
// the Queue; two Requests with the same ID are the same logical item.
type Request struct {
	ID       string      `json:"id"`
	URL      string      `json:"url"`
	Method   string      `json:"method"`
	Headers  http.Header `json:"headers,omitempty"`
	Payload  []byte      `json:"payload,omitempty"`
	UserData map[string]any `json:"userData,omitempty"`

	RetryCount    int      `json:"retryCount"`
	ErrorMessages []string `json:"errorMessages,omitempty"`
	NoRetry       bool     `json:"noRetry,omitempty"`

	LoadedURL string     `json:"loadedUrl,omitempty"`
	HandledAt *time.Time `json:"handledAt,omitempty"`
}

// New builds a Request and computes its identifier with ComputeID; a
// caller that wants an explicit identifier sets ID on the result.
func New(rawURL, method string, payload []byte) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("request: invalid url %q: %w", rawURL, err)
	}
	r := &Request{
		URL:    rawURL,
		Method: strings.ToUpper(method),
		Payload: payload,
	}
	r.ID = ComputeID(r.Method, r.URL, r.Payload)
	return r, nil
}

// ComputeID hashes method + normalized URL + payload into a stable
// identifier. Normalization lower-cases the scheme and host and turns
// an empty path into "/" so that equivalent URLs dedupe together.
func ComputeID(method, rawURL string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeURL(rawURL)))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:24]
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// AddError appends an error message, capping the retained history at
// MaxErrorMessages (oldest entries are dropped first).
func (r *Request) AddError(msg string) {
	r.ErrorMessages = append(r.ErrorMessages, msg)
	if len(r.ErrorMessages) > MaxErrorMessages {
		r.ErrorMessages = r.ErrorMessages[len(r.ErrorMessages)-MaxErrorMessages:]
	}
}

// MarkHandled stamps HandledAt with the current time.
func (r *Request) MarkHandled(now time.Time) {
	t := now
	r.HandledAt = &t
}

// Clone returns a deep-enough copy for safe handoff across goroutines;
// the caller's handler borrows this copy and must not retain it past
// the handler call.
func (r *Request) Clone() *Request {
	c := *r
	if r.Headers != nil {
		c.Headers = r.Headers.Clone()
	}
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.UserData != nil {
		c.UserData = make(map[string]any, len(r.UserData))
		for k, v := range r.UserData {
			c.UserData[k] = v
		}
	}
	if r.ErrorMessages != nil {
		c.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	}
	return &c
}

// ToJSON serializes the Request for persistence.
func (r *Request) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON deserializes a Request previously written by ToJSON.
func FromJSON(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
