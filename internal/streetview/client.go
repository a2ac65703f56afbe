// Package streetview talks to the Street View metadata endpoint, the resolver
// that decides whether a panorama exists and what its canonical position is.
package streetview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/logger"
)

// Metadata endpoint statuses.
const (
	statusOK          = "OK"
	statusZeroResults = "ZERO_RESULTS"
	statusNotFound    = "NOT_FOUND"
)

// maxBodySize caps how much of a metadata response is read.
const maxBodySize = 1 << 20

// ErrStatus is wrapped when the endpoint answers with a status that is
// neither a hit nor a miss (quota, denied key, server error).
var ErrStatus = errors.New("unexpected metadata status")

// ErrUnavailable is wrapped when the circuit breaker rejects a lookup without
// calling the endpoint.
var ErrUnavailable = errors.New("metadata endpoint unavailable")

// Observer is told about every completed metadata request.
type Observer func(method string, status domain.ResolutionStatus, elapsed time.Duration)

// Options configure a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RPS        float64
	Burst      int
	Observer   Observer

	// BreakerThreshold is the number of consecutive transient failures that
	// opens the circuit. Zero disables the breaker.
	BreakerThreshold uint32
	// BreakerCooldown is how long the circuit stays open before a probe.
	BreakerCooldown time.Duration
}

// Client resolves panoramas against the metadata endpoint. All requests share
// one token bucket so concurrent scans stay inside the upstream quota.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[domain.Resolution]
	observer Observer
}

type metadataResponse struct {
	Status   string `json:"status"`
	PanoID   string `json:"pano_id"`
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	ErrorMessage string `json:"error_message"`
}

// NewClient creates a metadata client.
func NewClient(opts Options) *Client {
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = opts.Timeout
	// The first attempt waits in do; retries take their own token.
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			_ = limiter.Wait(req.Context())
		}
	}

	c := &Client{
		baseURL:  opts.BaseURL,
		apiKey:   opts.APIKey,
		http:     rc.StandardClient(),
		limiter:  limiter,
		observer: opts.Observer,
	}
	if opts.BreakerThreshold > 0 {
		c.breaker = newBreaker(opts.BreakerThreshold, opts.BreakerCooldown)
	}
	return c
}

func newBreaker(threshold uint32, cooldown time.Duration) *gobreaker.CircuitBreaker[domain.Resolution] {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[domain.Resolution](gobreaker.Settings{
		Name:        "streetview-metadata",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Warnf("Circuit %s opened after repeated failures, lookups paused for %s", name, cooldown)
				return
			}
			logger.Infof("Circuit %s: %s -> %s", name, from, to)
		},
	})
}

// SetObserver installs a hook called after each request. Not safe to call
// while requests are in flight.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// CheckExists reports whether panoID still has coverage.
func (c *Client) CheckExists(ctx context.Context, panoID string) (bool, error) {
	res := c.lookup(ctx, "check", url.Values{"pano": {panoID}})
	switch res.Status {
	case domain.Resolved:
		return true, nil
	case domain.NotFound:
		return false, nil
	}
	return false, res.Err
}

// ResolveByCoordinate finds the nearest official outdoor panorama within radius meters.
func (c *Client) ResolveByCoordinate(ctx context.Context, lat, lng float64, radius int) domain.Resolution {
	return c.lookup(ctx, "coordinate", url.Values{
		"location": {strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lng, 'f', -1, 64)},
		"radius":   {strconv.Itoa(radius)},
		"source":   {"outdoor"},
	})
}

// ResolveByID returns canonical metadata for panoID.
func (c *Client) ResolveByID(ctx context.Context, panoID string) domain.Resolution {
	return c.lookup(ctx, "id", url.Values{"pano": {panoID}})
}

func (c *Client) lookup(ctx context.Context, method string, params url.Values) domain.Resolution {
	start := time.Now()
	res := c.do(ctx, params)
	if c.observer != nil {
		c.observer(method, res.Status, time.Since(start))
	}
	if res.Status == domain.TransientError {
		logger.Debugf("Metadata %s lookup failed: %v", method, res.Err)
	}
	return res
}

func (c *Client) do(ctx context.Context, params url.Values) domain.Resolution {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Resolution{Status: domain.TransientError, Err: fmt.Errorf("rate limiter: %w", err)}
	}
	if c.breaker == nil {
		return c.fetch(ctx, params)
	}

	res, err := c.breaker.Execute(func() (domain.Resolution, error) {
		res := c.fetch(ctx, params)
		// A caller giving up says nothing about the endpoint's health.
		if res.Status == domain.TransientError && ctx.Err() == nil {
			return res, res.Err
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Resolution{Status: domain.TransientError, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	return res
}

func (c *Client) fetch(ctx context.Context, params url.Values) domain.Resolution {
	params.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return domain.Resolution{Status: domain.TransientError, Err: c.redact(err)}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Resolution{Status: domain.TransientError, Err: c.redact(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return domain.Resolution{Status: domain.TransientError, Err: fmt.Errorf("metadata endpoint returned HTTP %d", resp.StatusCode)}
	}

	var body metadataResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return domain.Resolution{Status: domain.TransientError, Err: fmt.Errorf("failed to decode metadata: %w", err)}
	}

	switch body.Status {
	case statusOK:
		return domain.Resolution{
			Status: domain.Resolved,
			Pano:   domain.Panorama{PanoID: body.PanoID, Lat: body.Location.Lat, Lng: body.Location.Lng},
		}
	case statusZeroResults, statusNotFound:
		return domain.Resolution{Status: domain.NotFound}
	}
	msg := body.Status
	if body.ErrorMessage != "" {
		msg += ": " + body.ErrorMessage
	}
	return domain.Resolution{Status: domain.TransientError, Err: fmt.Errorf("%w %s", ErrStatus, msg)}
}

// redactedError hides the API key from a transport error's message while
// keeping the cause reachable for errors.Is.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact strips the API key from err. Transport errors repeat the request
// URL, query string included.
func (c *Client) redact(err error) error {
	if c.apiKey == "" {
		return err
	}
	msg := err.Error()
	for _, secret := range []string{c.apiKey, url.QueryEscape(c.apiKey)} {
		msg = strings.ReplaceAll(msg, secret, "REDACTED")
	}
	return &redactedError{msg: msg, err: err}
}
