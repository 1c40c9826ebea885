// Package vendorhttp builds the *http.Client shared by every vendor API
// call: large connection pool, HTTP/2, and proxy selection. It generalizes
// the original client's proxy-aware, upload/download-tuned transport to a
// single vendor endpoint family instead of a multi-cloud (S3/Azure) one.
package vendorhttp

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/baiducore/netcore/internal/constants"
)

// ProxyMode selects how outbound requests reach the vendor's endpoints.
type ProxyMode string

const (
	// ProxyNone makes direct connections.
	ProxyNone ProxyMode = "none"
	// ProxySystem reads HTTP_PROXY/HTTPS_PROXY/NO_PROXY from the environment.
	ProxySystem ProxyMode = "system"
	// ProxyFixed uses a single configured proxy URL for every request.
	ProxyFixed ProxyMode = "fixed"
)

// ProxyConfig describes how to reach the vendor's endpoints through an
// optional proxy. The zero value is ProxyNone.
type ProxyConfig struct {
	Mode     ProxyMode
	Host     string
	Port     int
	User     string
	Password string
}

func (p ProxyConfig) url() *url.URL {
	port := p.Port
	if port == 0 {
		port = 8080
	}
	u := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", p.Host, port)}
	if p.User != "" && p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u
}

// NewClient builds an HTTP client tuned for many concurrent chunk transfers:
// a large per-host connection pool, HTTP/2 multiplexing, and no client-wide
// timeout (each request sets its own deadline via context).
//
// Performance-relevant fields mirror the original client's tuning, carried
// over from extensive upload/download benchmarking rather than re-derived
// here.
func NewClient(proxy ProxyConfig) *nethttp.Client {
	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	switch proxy.Mode {
	case ProxySystem:
		transport.Proxy = nethttp.ProxyFromEnvironment
	case ProxyFixed:
		u := proxy.url()
		transport.Proxy = nethttp.ProxyURL(u)
	default:
		transport.Proxy = nil
	}

	_ = http2.ConfigureTransport(transport)
	if os.Getenv("NETCORE_DISABLE_HTTP2") == "true" {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	return &nethttp.Client{Transport: transport, Timeout: 0}
}

// ParseProxyMode maps a user-facing proxy mode string onto ProxyMode,
// defaulting to ProxyNone for anything unrecognized.
func ParseProxyMode(s string) ProxyMode {
	switch strings.ToLower(s) {
	case "system":
		return ProxySystem
	case "fixed":
		return ProxyFixed
	default:
		return ProxyNone
	}
}
