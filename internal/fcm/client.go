// Package fcm sends single-token messages through the FCM HTTP v1 API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"
	"golang.org/x/oauth2"
)

// ErrorUnregistered is the provider code for a token that is no longer valid.
const ErrorUnregistered = "UNREGISTERED"

const maxResponseBody = 512

// Client is a thin wrapper over the FCM v1 send endpoint.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// New creates an FCM client. timeout bounds every send; zero means the
// caller's context is the only limit.
func New(rawURL string, timeout time.Duration) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		baseURL: parsed,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Result is the outcome of one send. It is always populated, never an error.
type Result struct {
	StatusCode int
	Body       string
	ErrorCode  string
	Err        error
}

// OK reports whether the provider accepted the message.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Unregistered reports whether the token should be forgotten.
func (r Result) Unregistered() bool {
	return r.ErrorCode == ErrorUnregistered || r.StatusCode == http.StatusNotFound
}

type sendRequest struct {
	Message *messaging.Message `json:"message"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send posts msg for projectID authenticated with bearer.
func (c *Client) Send(ctx context.Context, bearer *oauth2.Token, projectID string, msg *messaging.Message) Result {
	body, err := json.Marshal(sendRequest{Message: msg})
	if err != nil {
		return Result{Err: fmt.Errorf("encode message: %w", err)}
	}
	endpoint := c.resolve("/v1/projects/" + url.PathEscape(projectID) + "/messages:send")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	bearer.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	res := Result{StatusCode: resp.StatusCode, Body: truncate(raw)}
	if err != nil {
		res.Err = fmt.Errorf("read response: %w", err)
		return res
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return res
	}
	res.ErrorCode = errorCode(raw)
	res.Err = fmt.Errorf("fcm send status %s", resp.Status)
	return res
}

// errorCode picks the FCM-specific code out of the error details, falling
// back to the canonical status.
func errorCode(raw []byte) string {
	var payload errorResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	for _, d := range payload.Error.Details {
		if d.ErrorCode != "" {
			return d.ErrorCode
		}
	}
	return payload.Error.Status
}

func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	return u.String()
}

// BaseURL returns the configured endpoint root without trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL.String(), "/")
}

func truncate(body []byte) string {
	if len(body) <= maxResponseBody {
		return string(body)
	}
	return string(body[:maxResponseBody])
}
