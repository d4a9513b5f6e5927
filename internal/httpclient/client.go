// Package httpclient provides the HTTP transport and retrying request
// executor used by all Azure API calls.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = 180 * time.Second

// DefaultRetries is the retry budget applied when a request does not set one.
const DefaultRetries = 5

// New creates an HTTP client with a tuned transport.
func New(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Backoff controls the delay schedule between retries. The delay starts at
// Initial and doubles on every retry. A zero Max leaves the doubling
// uncapped, which can stall for a long time with large retry budgets.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// DefaultBackoff is the schedule used when none is configured.
var DefaultBackoff = Backoff{Initial: 1 * time.Second}

// next returns the delay to sleep now and the advanced delay state.
func (b Backoff) next(delay time.Duration) (sleep, nextDelay time.Duration) {
	sleep = delay
	if b.Max > 0 && sleep > b.Max {
		sleep = b.Max
	}
	if b.Jitter && sleep > 0 {
		sleep = sleep/2 + time.Duration(rand.Int63n(int64(sleep)/2+1))
	}
	return sleep, delay * 2
}

// Request describes one logical API request. The same request may be sent
// multiple times when the retry budget allows it.
type Request struct {
	Method   string
	Endpoint string
	Header   http.Header
	Body     []byte
	// Retries is the number of additional attempts after the first one.
	// A negative value selects DefaultRetries.
	Retries int
	// Success overrides the set of status codes treated as success.
	// Empty means 200 and 202.
	Success []int
}

func (r Request) isSuccess(status int) bool {
	if len(r.Success) == 0 {
		return status == http.StatusOK || status == http.StatusAccepted
	}
	for _, s := range r.Success {
		if s == status {
			return true
		}
	}
	return false
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TransportError reports a connection-level failure that survived the whole
// retry budget.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError reports a non-success status that survived the whole retry
// budget. The response body is included verbatim because Azure puts the
// actionable diagnostic there rather than in the status line.
type RemoteError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *RemoteError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, string(e.Body))
	}
	return fmt.Sprintf("server returned %s", e.Status)
}

// Executor issues requests with automatic retry on connection failures and
// on non-success statuses, sleeping an exponentially growing delay between
// attempts. Only 200 and 202 count as success; 202 means the work was
// accepted for asynchronous processing.
type Executor struct {
	client  *http.Client
	backoff Backoff
	logger  zerolog.Logger
	sleep   func(time.Duration)
}

// NewExecutor creates an executor on top of the given client.
func NewExecutor(client *http.Client, backoff Backoff, logger zerolog.Logger) *Executor {
	if client == nil {
		client = New(0)
	}
	if backoff.Initial == 0 {
		backoff.Initial = DefaultBackoff.Initial
	}
	return &Executor{
		client:  client,
		backoff: backoff,
		logger:  logger.With().Str("component", "httpclient").Logger(),
		sleep:   time.Sleep,
	}
}

// Do runs the request until it succeeds or the retry budget is exhausted.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	retries := req.Retries
	if retries < 0 {
		retries = DefaultRetries
	}

	delay := e.backoff.Initial

	for {
		resp, err := e.send(ctx, req)
		if err != nil {
			if retries <= 0 {
				return nil, &TransportError{Endpoint: req.Endpoint, Err: err}
			}
			retries--
			e.logger.Warn().
				Str("endpoint", req.Endpoint).
				Err(err).
				Int("retries_left", retries).
				Msg("request failed, retrying")
			var sleep time.Duration
			sleep, delay = e.backoff.next(delay)
			e.sleep(sleep)
			continue
		}

		if req.isSuccess(resp.StatusCode) {
			return resp, nil
		}

		if retries <= 0 {
			return nil, &RemoteError{
				StatusCode: resp.StatusCode,
				Status:     http.StatusText(resp.StatusCode),
				Body:       resp.Body,
			}
		}
		retries--
		e.logger.Warn().
			Str("endpoint", req.Endpoint).
			Int("status", resp.StatusCode).
			Int("retries_left", retries).
			Msg("unexpected status, retrying")
		var sleep time.Duration
		sleep, delay = e.backoff.next(delay)
		e.sleep(sleep)
	}
}

// send performs a single attempt and fully reads the response body.
func (e *Executor) send(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
