// Package fetcher implements the HTTP Fetcher (C1): a single ranged/unranged GET with
// configurable headers, proxy, TLS, timeouts, a per-transfer speed cap, and a low-speed
// abort, streaming the response to a sink without buffering the whole body. Grounded on
// the teacher's internal/httpclient/client.go (the tuned *http.Client and the
// rate-limited-reader pattern) and on
// other_examples/..Zer0C0d3r-TeraFetch..downloader-engine.go.go's ranged-GET + retry
// idiom (doRequest / isNetworkError), generalized with proxy, cookie, and low-speed-abort
// support the teacher's client lacked.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"crypto/tls"

	"golang.org/x/net/proxy"

	"github.com/fetchgrid/fetchgrid/internal/config"
)

// ClientConfig is the subset of config.Config the Fetcher's HTTP client is built from.
type ClientConfig struct {
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
	Proxy              *config.Proxy
	CookieFile         string
	MaxConnsPerHost    int
}

// NewClient builds the shared *http.Client every Fetcher call uses, tuned for segmented
// media downloads: HTTP/2 enabled, compression disabled (ranges must align with
// Content-Length), generous per-host connection pooling, and up to 10 redirects per the
// spec's "follow up to 10 redirects" requirement.
func NewClient(cfg ClientConfig) (*http.Client, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   maxConnsOrDefault(cfg.MaxConnsPerHost),
		MaxConnsPerHost:       maxConnsOrDefault(cfg.MaxConnsPerHost),
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		DialContext:           dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	if cfg.Proxy != nil && cfg.Proxy.URL != "" {
		if err := applyProxy(transport, cfg.Proxy); err != nil {
			return nil, err
		}
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}

	if cfg.CookieFile != "" {
		jar, err := cookieJarFromFile(cfg.CookieFile)
		if err != nil {
			return nil, err
		}
		client.Jar = jar
	}

	return client, nil
}

func maxConnsOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// applyProxy wires an http, https or socks5 proxy into transport. A socks4:// URL is
// accepted by the switch but proxy.FromURL has no socks4 dialer, so it returns an error.
// p.ResolveHostname is not read: the target hostname is always passed to the proxy
// unresolved.
func applyProxy(transport *http.Transport, p *config.Proxy) error {
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("invalid proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
		return nil
	case "socks5", "socks4":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return fmt.Errorf("socks proxy: %w", err)
		}
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		return nil
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// cookieJarFromFile loads a Netscape-format cookie file into a cookiejar.Jar. Only the
// host-scoped cookies needed for a single item's requests are expected; malformed lines
// are skipped rather than treated as fatal, since cookie files are frequently hand-edited.
func cookieJarFromFile(path string) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	cookies, err := parseNetscapeCookieFile(path)
	if err != nil {
		return nil, err
	}
	for host, hostCookies := range cookies {
		u := &url.URL{Scheme: "https", Host: host}
		jar.SetCookies(u, hostCookies)
	}
	return jar, nil
}
