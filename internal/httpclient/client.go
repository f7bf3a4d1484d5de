// Package httpclient is the concrete, swappable HTTP call executor the
// engine depends on through a narrow Doer interface. spec.md treats the
// on-wire HTTP client implementation as an external collaborator; this
// package is that collaborator, built on fasthttp the way the teacher
// repo's core/engine/rawhttp/client.go is.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/projectdiscovery/fastdialer/fastdialer"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
	"golang.org/x/net/http/httpproxy"
)

// Response is the minimal response surface the engine's after-hooks and
// proxy callback see.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Doer executes one prepared HTTP call and returns a Response, or an error
// for any transport failure (including timeout expiry communicated via ctx).
type Doer interface {
	Do(ctx context.Context, call map[string]any) (*Response, error)
}

// Options configures the Client.
type Options struct {
	MaxConnsPerHost     int
	MaxIdleConnDuration time.Duration
	DisableKeepAlive    bool
	ProxyURL            string
	ReadBufferSize      int
}

// DefaultOptions mirrors the teacher's DefaultOptionsMultiHost: tuned for
// fanning out across many distinct hosts rather than hammering one.
func DefaultOptions() *Options {
	return &Options{
		MaxConnsPerHost:     25,
		MaxIdleConnDuration: 5 * time.Second,
		DisableKeepAlive:    true,
		ReadBufferSize:      4096,
	}
}

// Client wraps a direct-dial *fasthttp.Client plus a lazily-built pool of
// proxy-dialing *fasthttp.Client instances, one per distinct proxy endpoint
// a call asks for. Call.proxies is read per-request (internal/identity's
// ScoringProxyProvider writes a fresh endpoint into it on every item), so
// proxy rotation actually changes which connection each request goes out on
// instead of only mutating a map nobody dials through.
type Client struct {
	opts Options
	fd   *fastdialer.Dialer

	direct *fasthttp.Client

	mu           sync.Mutex
	proxyClients map[string]*fasthttp.Client
}

// New builds a Client. A nil opts uses DefaultOptions(). opts.ProxyURL, if
// set, becomes the fallback proxy for calls that don't carry their own
// call["proxies"] entry.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	fd, err := fastdialer.NewDialer(fastdialer.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("httpclient: building fastdialer: %w", err)
	}

	c := &Client{
		opts:         *opts,
		fd:           fd,
		proxyClients: make(map[string]*fasthttp.Client),
	}
	c.direct = c.newFasthttpClient(func(addr string) (net.Conn, error) {
		return fd.Dial(context.Background(), "tcp", addr)
	})
	return c, nil
}

func (c *Client) newFasthttpClient(dial fasthttp.DialFunc) *fasthttp.Client {
	return &fasthttp.Client{
		MaxConnsPerHost:               c.opts.MaxConnsPerHost,
		MaxIdleConnDuration:           c.opts.MaxIdleConnDuration,
		DisableHeaderNamesNormalizing: true,
		DisablePathNormalizing:        true,
		NoDefaultUserAgentHeader:      true,
		ReadBufferSize:                c.opts.ReadBufferSize,
		Dial:                          dial,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}
}

// clientFor returns the fasthttp.Client that should carry this request:
// a cached proxy-dialing client for proxyURL, built on first use, or the
// direct-dial client when proxyURL is empty.
func (c *Client) clientFor(proxyURL string) (*fasthttp.Client, error) {
	if proxyURL == "" {
		return c.direct, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.proxyClients[proxyURL]; ok {
		return cl, nil
	}

	dialer := fasthttpproxy.Dialer{
		TCPDialer: fasthttp.TCPDialer{
			Concurrency:      2048,
			DNSCacheDuration: time.Hour,
		},
		Config: httpproxy.Config{
			HTTPProxy:  proxyURL,
			HTTPSProxy: proxyURL,
		},
		ConnectTimeout: 5 * time.Second,
	}
	dial, err := dialer.GetDialFunc(false)
	if err != nil {
		return nil, fmt.Errorf("httpclient: building proxy dialer for %s: %w", proxyURL, err)
	}

	cl := c.newFasthttpClient(dial)
	c.proxyClients[proxyURL] = cl
	return cl, nil
}

// proxyFor picks call["proxies"]'s endpoint for url's scheme, falling back
// to the client's static opts.ProxyURL when the call carries none.
func (c *Client) proxyFor(call map[string]any, url string) string {
	if proxies, ok := call["proxies"].(map[string]string); ok {
		key := "http"
		if len(url) > 5 && url[:5] == "https" {
			key = "https"
		}
		if ep := proxies[key]; ep != "" {
			return ep
		}
	}
	return c.opts.ProxyURL
}

// Do builds a fasthttp request from call's method, url, headers (a
// map[string]string) and body (a []byte), issues it bound to ctx's deadline
// through whichever proxy (if any) call["proxies"] names, and returns a
// Response. Other call keys, such as query params, are not read.
func (c *Client) Do(ctx context.Context, call map[string]any) (*Response, error) {
	method, _ := call["method"].(string)
	url, _ := call["url"].(string)

	fasthttpClient, err := c.clientFor(c.proxyFor(call, url))
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(url)

	if headers, ok := call["headers"].(map[string]string); ok {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	if body, ok := call["body"].([]byte); ok {
		req.SetBody(body)
	}
	if c.opts.DisableKeepAlive {
		req.SetConnectionClose()
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		err = fasthttpClient.DoDeadline(req, resp, deadline)
	} else {
		err = fasthttpClient.Do(req, resp)
	}
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	resp.Header.VisitAll(func(k, v []byte) {
		headers[string(k)] = string(v)
	})

	return &Response{
		StatusCode: resp.StatusCode(),
		Headers:    headers,
		Body:       append([]byte(nil), resp.Body()...),
	}, nil
}

// Close releases idle connections across the direct client and every
// cached per-proxy client.
func (c *Client) Close() {
	c.direct.CloseIdleConnections()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.proxyClients {
		cl.CloseIdleConnections()
	}
}
