// Package proxy forwards guarded traffic to the protected upstream.
package proxy

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/common/logging"
)

// Proxy is a single-host reverse proxy
type Proxy struct {
	target *url.URL
	rp     *httputil.ReverseProxy
	logger logging.Logger
}

type Option func(*options)

type options struct {
	transport     http.RoundTripper
	flushInterval time.Duration
	logger        logging.Logger
}

// WithTransport overrides the pooled transport from common/http
func WithTransport(t http.RoundTripper) Option {
	return func(o *options) { o.transport = t }
}

// WithFlushInterval sets how often streamed responses are flushed. -1 flushes immediately.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushInterval = d }
}

func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New returns a proxy to upstream, which must be an absolute http(s) URL
func New(upstream string, opts ...Option) (*Proxy, error) {
	target, err := url.Parse(strings.TrimSpace(upstream))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, errors.ConfigError("UPSTREAM_URL must be an absolute http(s) URL")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = httpclient.NewHTTPClient().Transport
	}

	p := &Proxy{
		target: target,
		logger: logging.OrDefault(o.logger).WithFields(logging.Field{Key: "component", Value: "proxy"}),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport:     o.transport,
		FlushInterval: o.flushInterval,
		ErrorHandler:  p.handleError,
	}
	return p, nil
}

// Target returns the upstream base URL
func (p *Proxy) Target() *url.URL {
	return p.target
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	// the client went away; nothing to answer
	if stderrors.Is(err, context.Canceled) {
		return
	}
	p.logger.WithContext(r.Context()).Error("Upstream request failed", err,
		logging.Field{Key: "method", Value: r.Method},
		logging.Field{Key: "path", Value: r.URL.Path},
		logging.Field{Key: "upstream", Value: p.target.Host},
	)
	httpclient.WriteJSON(w, http.StatusBadGateway, httpclient.ErrorBody{
		Error: "upstream unavailable",
		Type:  string(errors.ErrTypeUnavailable),
	})
}
