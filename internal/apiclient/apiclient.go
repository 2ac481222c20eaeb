// Package apiclient wraps the worker's two plain HTTP calls to its server:
// fetching the current asset version and downloading the asset bundle.
// It is adapted from this stack's Modrinth API client idiom (retry with
// backoff, typed errors, structured telemetry) trimmed to the smaller
// surface the worker needs.
package apiclient

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"distasks/internal/telemetry"
)

const userAgent = "distasks-worker/1.0"

// Client wraps HTTP access to a distasks server's update endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client pointed at baseURL (e.g. "https://host" or
// "http://host" depending on WorkerConfig.UseHTTP).
func NewClient(baseURL string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = 10 * time.Second
	transport.MaxIdleConnsPerHost = 4

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second, Transport: transport},
	}
}

// Kind categorizes apiclient errors.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
	KindServer   Kind = "server_error"
	KindClient   Kind = "client_error"
)

// Error represents a normalized apiclient error.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "apiclient error"
}

func (e *Error) Unwrap() error { return e.Err }

var sleep = time.Sleep

var randDuration = func(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// doWithRetry performs req, making up to 3 attempts with exponential
// backoff between them while the response is a 5xx. A transport error is
// returned at once, without a retry. A 2xx response body is returned in
// full; any other final status is returned as an *Error.
func (c *Client) doWithRetry(req *http.Request, event string) ([]byte, int, error) {
	var resp *http.Response
	var err error
	var dur time.Duration
	for attempt := 0; attempt < 3; attempt++ {
		req.Header.Set("User-Agent", userAgent)
		start := time.Now()
		resp, err = c.http.Do(req)
		dur = time.Since(start)
		if err != nil {
			telemetry.Event(event, map[string]string{
				"status":      "error",
				"duration_ms": strconv.FormatInt(dur.Milliseconds(), 10),
				"attempt":     strconv.Itoa(attempt + 1),
			})
			kind := KindClient
			switch {
			case req.Context().Err() == context.Canceled:
				kind = KindCanceled
			case req.Context().Err() == context.DeadlineExceeded:
				kind = KindTimeout
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				kind = KindTimeout
			}
			return nil, 0, &Error{Kind: kind, Err: err}
		}
		telemetry.Event(event, map[string]string{
			"status":      strconv.Itoa(resp.StatusCode),
			"duration_ms": strconv.FormatInt(dur.Milliseconds(), 10),
			"attempt":     strconv.Itoa(attempt + 1),
		})
		if resp.StatusCode >= 500 && attempt < 2 {
			resp.Body.Close()
			delay := time.Duration(1<<attempt) * 250 * time.Millisecond
			sleep(delay + randDuration(delay))
			continue
		}
		break
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := KindClient
		if resp.StatusCode >= 500 {
			kind = KindServer
		}
		return nil, resp.StatusCode, &Error{Kind: kind, Status: resp.StatusCode, Message: resp.Status}
	}
	return b, resp.StatusCode, nil
}

// Version fetches the server's current asset version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return "", err
	}
	b, _, err := c.doWithRetry(req, "apiclient_version")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AssetsZip downloads the current asset bundle.
func (c *Client) AssetsZip(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/assets.zip", nil)
	if err != nil {
		return nil, err
	}
	b, status, err := c.doWithRetry(req, "apiclient_assets")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("assets.zip status %d", status)
	}
	return b, nil
}
