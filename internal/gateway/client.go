package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one batch request to the call-initiation service.
const DefaultTimeout = 20 * time.Second

const (
	maxResponseBytes = 1 << 20
	maxErrorBody     = 2048
)

// CallRequest is one entry of the batch payload. The line's number goes out
// as twilio_number, the key existing call-initiation functions read.
type CallRequest struct {
	DispatchID  string `json:"dispatch_id"`
	PhoneNumber string `json:"phone_number"`
	LineNumber  string `json:"twilio_number"`
}

// Ack is the service's acknowledgement. Raw is passed through to callers
// untouched; Calls is filled when the service reports per-call identifiers.
type Ack struct {
	StatusCode int             `json:"status_code"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Calls      []AckedCall     `json:"calls,omitempty"`
}

// AckedCall links a dispatch record to the provider's call identifier.
type AckedCall struct {
	DispatchID     string `json:"dispatch_id"`
	ExternalCallID string `json:"external_call_id"`
}

var ErrInvalidConfig = errors.New("gateway: invalid config")

// Error is returned for transport failures, timeouts and non-2xx answers.
type Error struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("gateway: status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway: status %d", e.StatusCode)
	case e.Err != nil:
		return "gateway: " + e.Err.Error()
	default:
		return "gateway: request failed"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the request hit the client deadline.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Config carries the endpoint and credentials. It is passed in at construction;
// the client never reads the environment.
type Config struct {
	URL     string
	Key     string
	Timeout time.Duration

	// HTTPClient is optional; its own Timeout is ignored in favor of Timeout.
	HTTPClient *http.Client
}

// Client posts dispatched batches to the call-initiation service.
type Client struct {
	url     string
	key     string
	timeout time.Duration
	http    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: url required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{url: cfg.URL, key: cfg.Key, timeout: cfg.Timeout, http: hc}, nil
}

// InitiateCalls sends the whole batch in one request.
// It never retries: the batch is already committed locally, and a retry could
// place the same calls twice.
func (c *Client) InitiateCalls(ctx context.Context, batch []CallRequest) (Ack, error) {
	if len(batch) == 0 {
		return Ack{}, errors.New("gateway: empty batch")
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return Ack{}, fmt.Errorf("gateway: encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Ack{}, &Error{Err: ctx.Err()}
		}
		return Ack{}, &Error{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Ack{}, &Error{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, &Error{StatusCode: resp.StatusCode, Body: snippet(raw)}
	}

	if !json.Valid(raw) {
		return Ack{}, &Error{StatusCode: resp.StatusCode, Body: snippet(raw), Err: errors.New("response is not json")}
	}

	return Ack{StatusCode: resp.StatusCode, Raw: json.RawMessage(raw), Calls: parseAckedCalls(raw)}, nil
}

// parseAckedCalls understands {"calls":[{"dispatch_id":..,"external_call_id"|"call_sid":..}]}.
// Any other shape yields no identifiers.
func parseAckedCalls(raw []byte) []AckedCall {
	var envelope struct {
		Calls []struct {
			DispatchID     string `json:"dispatch_id"`
			ExternalCallID string `json:"external_call_id"`
			CallSid        string `json:"call_sid"`
		} `json:"calls"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	var out []AckedCall
	for _, c := range envelope.Calls {
		id := c.ExternalCallID
		if id == "" {
			id = c.CallSid
		}
		if c.DispatchID == "" || id == "" {
			continue
		}
		out = append(out, AckedCall{DispatchID: c.DispatchID, ExternalCallID: id})
	}
	return out
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
