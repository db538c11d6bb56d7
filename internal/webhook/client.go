package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

const maxReplyBytes = 64 * 1024

// Client posts challenge envelopes to agent webhooks. The per-request
// timeout is the challenge's response window: an agent that cannot
// answer inside it has not answered at all.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient builds a webhook client whose requests time out after the
// given response window. HTTPS endpoints are upgraded to HTTP/2 when
// the agent supports it; plain HTTP stays on HTTP/1.1.
func NewClient(responseWindow time.Duration) (*Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2 transport: %w", err)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   responseWindow,
		},
		userAgent: "verifyd",
	}, nil
}

// Deliver POSTs the envelope to webhookURL and decodes the agent's
// reply. Non-2xx responses come back as *StatusError; a reply whose
// nonce does not echo the envelope's is rejected.
func (c *Client) Deliver(ctx context.Context, webhookURL string, env Envelope) (*Reply, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var reply Reply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode webhook reply: %w", err)
	}
	if reply.Nonce != env.Nonce {
		return nil, fmt.Errorf("webhook reply nonce mismatch for %s", env.ChallengeID)
	}

	return &reply, nil
}

// ValidateWebhookURL checks that a webhook URL is an absolute http(s)
// URL with a host.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL missing host")
	}
	return nil
}

// HostKey extracts the breaker key (the host) from a webhook URL. An
// unparseable URL keys on the raw string so it still gets a breaker.
func HostKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
