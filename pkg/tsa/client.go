// Package tsa requests RFC 3161-style trusted timestamps for bundle digests
// from an external timestamp authority over HTTP.
//
// The client is deliberately failure-absorbing: every outcome of a request
// attempt, including timeouts and outages, is returned as a classified
// terminal result for the caller to record as bundle state. Nothing from
// here ever aborts the pipeline, and no retry happens inside a single call;
// retry scheduling is an external concern.
package tsa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/callmonitor/evidence/pkg/contracts"
)

// DefaultTimeout bounds a single round-trip to the authority.
const DefaultTimeout = 10 * time.Second

// Config configures the client.
type Config struct {
	// URL of the timestamping endpoint. Empty means timestamping is not
	// configured and no network call is ever attempted.
	URL string
	// PolicyOID is the requested TSA policy, optional.
	PolicyOID string
	// Timeout per request; DefaultTimeout when zero.
	Timeout time.Duration
	// RequestsPerSecond limits outbound pressure on the authority.
	// Zero disables limiting.
	RequestsPerSecond float64
}

// Result is a successful timestamp proof.
type Result struct {
	Token     []byte
	Timestamp time.Time
	PolicyOID string
	Serial    string
	TSAURL    string
}

// Client talks to one timestamp authority.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a client. httpClient may be nil; a client with the
// configured timeout is used then.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, limiter: limiter, logger: logger}
}

// Configured reports whether a TSA endpoint is set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.URL != ""
}

type timestampRequest struct {
	Digest string `json:"digest"`
}

type timestampResponse struct {
	TokenDERBase64 string    `json:"token_der_base64"`
	Timestamp      time.Time `json:"timestamp"`
	PolicyOID      string    `json:"policy_oid"`
	Serial         string    `json:"serial"`
	TSAURL         string    `json:"tsa_url"`
}

// RequestTimestamp sends the bundle digest to the authority. Exactly one of
// the returns is non-nil. The digest may carry a "sha256:" prefix; it is
// sent bare.
func (c *Client) RequestTimestamp(ctx context.Context, bundleHash string) (*Result, *contracts.TSARequestError) {
	if !c.Configured() {
		return nil, &contracts.TSARequestError{
			Kind:   contracts.TSANotConfiguredErr,
			Reason: "no timestamp authority endpoint configured",
		}
	}

	digest := strings.TrimPrefix(strings.TrimSpace(bundleHash), "sha256:")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classifyTransportError(err)
		}
	}

	body, err := json.Marshal(timestampRequest{Digest: digest})
	if err != nil {
		return nil, &contracts.TSARequestError{
			Kind:   contracts.TSARequestFailed,
			Reason: fmt.Sprintf("encode request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &contracts.TSARequestError{
			Kind:   contracts.TSARequestFailed,
			Reason: fmt.Sprintf("build request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		tsaErr := classifyTransportError(err)
		c.logger.Warn("tsa request failed",
			slog.String("url", c.cfg.URL),
			slog.String("kind", string(tsaErr.Kind)),
			slog.String("reason", tsaErr.Reason))
		return nil, tsaErr
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := fmt.Sprintf("tsa returned HTTP %d", resp.StatusCode)
		if msg := strings.TrimSpace(string(respBody)); msg != "" && len(msg) <= 256 {
			reason += ": " + msg
		}
		c.logger.Warn("tsa rejected timestamp request",
			slog.String("url", c.cfg.URL),
			slog.Int("status", resp.StatusCode))
		return nil, &contracts.TSARequestError{Kind: contracts.TSARequestFailed, Reason: reason}
	}

	var decoded timestampResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &contracts.TSARequestError{
			Kind:   contracts.TSARequestFailed,
			Reason: fmt.Sprintf("undecodable tsa response: %v", err),
		}
	}
	if decoded.TokenDERBase64 == "" {
		return nil, &contracts.TSARequestError{
			Kind:   contracts.TSARequestFailed,
			Reason: "tsa response missing token",
		}
	}

	token, err := base64.StdEncoding.DecodeString(decoded.TokenDERBase64)
	if err != nil {
		return nil, &contracts.TSARequestError{
			Kind:   contracts.TSARequestFailed,
			Reason: fmt.Sprintf("invalid token encoding: %v", err),
		}
	}

	result := &Result{
		Token:     token,
		Timestamp: decoded.Timestamp,
		PolicyOID: decoded.PolicyOID,
		Serial:    decoded.Serial,
		TSAURL:    decoded.TSAURL,
	}
	if result.TSAURL == "" {
		result.TSAURL = c.cfg.URL
	}
	if result.PolicyOID == "" {
		result.PolicyOID = c.cfg.PolicyOID
	}
	return result, nil
}

func classifyTransportError(err error) *contracts.TSARequestError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &contracts.TSARequestError{
			Kind:   contracts.TSATimeout,
			Reason: "timestamp request timed out",
		}
	}
	// net/http wraps the deadline in a *url.Error with Timeout().
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return &contracts.TSARequestError{
			Kind:   contracts.TSATimeout,
			Reason: "timestamp request timed out",
		}
	}
	return &contracts.TSARequestError{
		Kind:   contracts.TSARequestFailed,
		Reason: err.Error(),
	}
}
