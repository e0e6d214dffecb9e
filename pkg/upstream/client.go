package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("upstream unavailable (circuit open)")

// errServerStatus marks a 5xx so the breaker counts it as a failure. The
// response itself is still handed to the caller.
var errServerStatus = errors.New("upstream server error")

// Client posts chat-completion requests to one upstream provider. A single
// attempt is made per call.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// New creates a client for baseURL. timeout bounds the wait for response
// headers on every call and the whole exchange for non-streaming calls.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %s: %w", baseURL, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("upstream-%s", parsed.Host),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.Set(float64(to))
			log.Warn().Str("component", "upstream").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/chat/completions",
		timeout:  timeout,
		http:     &http.Client{Transport: transport},
		breaker:  cb,
	}, nil
}

// Endpoint is the chat-completions URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// ChatCompletions sends payload with the given Authorization value. Any HTTP
// response, including 4xx and 5xx, is returned with a nil error; err is set
// only when no response was obtained. The caller must close the body.
func (c *Client) ChatCompletions(ctx context.Context, payload []byte, authorization string, stream bool) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if !stream {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	var resp *http.Response
	start := time.Now()
	_, err = c.breaker.Execute(func() (interface{}, error) {
		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= 500 {
			return nil, errServerStatus
		}
		return nil, nil
	})
	upstreamLatency.Observe(time.Since(start).Seconds())

	if resp != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	cancel()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return nil, fmt.Errorf("upstream request failed: %w", err)
}

// cancelOnClose releases the request context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
