// Package grok talks to the Grok web conversation backend and translates its
// newline-delimited JSON stream into token events.
package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/grokgate/grokgate/internal/credential"
	"github.com/grokgate/grokgate/internal/metrics"
)

const (
	// DefaultBaseURL is the public web backend.
	DefaultBaseURL = "https://grok.com"
	// DefaultModel is the backend model requested for every conversation.
	DefaultModel = "grok-3"
	// DefaultUserAgent mimics a desktop browser.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

	conversationPath = "/rest/app-chat/conversations/new"
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Model     string
	UserAgent string
	// ProxyURL routes upstream traffic through an http, https or socks5 proxy.
	ProxyURL string
	// Timeout bounds the wait for response headers. Streaming bodies are not
	// limited by it.
	Timeout time.Duration
	Logger  *logging.Logger
}

// Client opens streaming conversations on the backend.
type Client struct {
	BaseURL    string
	Model      string
	UserAgent  string
	HTTPClient *http.Client
	logger     *logging.Logger
}

// NewClient returns a client with defaults applied.
func NewClient(opts Options) (*Client, error) {
	transport, err := NewTransport(opts.ProxyURL, opts.Timeout)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Model:      model,
		UserAgent:  userAgent,
		HTTPClient: &http.Client{Transport: transport},
		logger:     opts.Logger,
	}, nil
}

// NewTransport builds the upstream transport with HTTP/2 enabled and an
// optional proxy.
func NewTransport(proxyURL string, headerTimeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}

	if raw := strings.TrimSpace(proxyURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse upstream proxy url: %w", err)
		}

		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			d, err := proxy.FromURL(u, dialer)
			if err != nil {
				return nil, fmt.Errorf("configure socks5 proxy: %w", err)
			}
			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer does not support contexts")
			}
			transport.DialContext = cd.DialContext
		default:
			return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
		}
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	return transport, nil
}

// Endpoint returns the conversation URL.
func (c *Client) Endpoint() string {
	return c.BaseURL + conversationPath
}

// Open starts a conversation with cred and returns the decoded response
// stream. The request is bound to ctx; cancelling it aborts the stream.
// A non-2xx answer is returned as *StatusError.
func (c *Client) Open(ctx context.Context, cred credential.Credential, messages []Message) (io.ReadCloser, error) {
	if c == nil {
		return nil, fmt.Errorf("grok client not configured")
	}

	payload := newConversationRequest(c.Model, messages)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := c.Endpoint()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(httpReq, cred.Secret)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		Trace(TraceEntry{
			Endpoint:    endpoint,
			Method:      http.MethodPost,
			Model:       c.Model,
			Credential:  cred.Name,
			RequestBody: body,
			Error:       err.Error(),
			DurationMs:  duration.Milliseconds(),
		})
		metrics.RecordUpstreamRequest(false, duration)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	encoding := resp.Header.Get("Content-Encoding")
	entry := TraceEntry{
		Endpoint:    endpoint,
		Method:      http.MethodPost,
		Model:       c.Model,
		Credential:  cred.Name,
		RequestBody: body,
		StatusCode:  resp.StatusCode,
		Encoding:    encoding,
		DurationMs:  duration.Milliseconds(),
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if decoded, derr := decodeBody(resp.Body, encoding); derr == nil {
			raw, _ := io.ReadAll(io.LimitReader(decoded, 4*maxStatusBodyInError))
			_ = decoded.Close()
			statusErr.Body = truncate(strings.TrimSpace(string(raw)), maxStatusBodyInError)
		}
		entry.Error = statusErr.Error()
		Trace(entry)
		metrics.RecordUpstreamRequest(false, duration)
		return nil, statusErr
	}

	stream, err := decodeBody(resp.Body, encoding)
	if err != nil {
		entry.Error = err.Error()
		Trace(entry)
		metrics.RecordUpstreamRequest(false, duration)
		return nil, err
	}

	Trace(entry)
	metrics.RecordUpstreamRequest(true, duration)
	if c.logger != nil {
		c.logger.Debug("Upstream stream opened",
			zap.String("cookie", cred.Name),
			zap.Int("status", resp.StatusCode),
			zap.String("encoding", encoding),
			zap.Duration("duration", duration))
	}
	return stream, nil
}

func (c *Client) setHeaders(req *http.Request, cookie string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Origin", c.BaseURL)
	req.Header.Set("Referer", c.BaseURL+"/")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("User-Agent", c.UserAgent)
}
