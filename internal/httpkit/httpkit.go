// Package httpkit builds the outbound HTTP clients used to reach model
// providers. Providers share one set of transport defaults; per-provider
// behaviour (retry, pacing, header timeouts) is layered on with options.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/supportdesk/internal/buildinfo"
)

const (
	dialTimeout       = 10 * time.Second
	keepAlive         = 30 * time.Second
	tlsTimeout        = 10 * time.Second
	headerTimeout     = 15 * time.Second
	idleTimeout       = 90 * time.Second
	maxIdle           = 20
	maxIdlePerHost    = 5
	defaultTimeout    = 30 * time.Second
	maxRetryBackoff   = 10 * time.Second
	errorBodyEllipsis = "…"
)

// Option adjusts a client built by NewClient.
type Option func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
	attempts  int
	backoff   time.Duration
	pacer     *rate.Limiter
	logger    *slog.Logger
}

// Timeout sets the whole-request timeout. Streaming clients pass zero
// and bound each call through its context.
func Timeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// UserAgent replaces the build-derived User-Agent.
func UserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// Transport replaces the default transport.
func Transport(t *http.Transport) Option {
	return func(o *options) { o.transport = t }
}

// Retry re-sends a request up to attempts more times when it failed
// before reaching the server. The wait starts at backoff and doubles per
// attempt. Requests with a body that cannot be rewound are sent once.
func Retry(attempts int, backoff time.Duration) Option {
	return func(o *options) {
		o.attempts = attempts
		o.backoff = backoff
	}
}

// Pace makes every request wait for a token from l. The limiter may be
// retuned later with SetLimit.
func Pace(l *rate.Limiter) Option {
	return func(o *options) { o.pacer = l }
}

// Logger receives retry diagnostics.
func Logger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a transport with the shared provider defaults.
func NewTransport() *http.Transport {
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client from the shared transport plus opts.
// Layers wrap outward: User-Agent, then retry, then pacing, so a retried
// request does not consume a second pacing token.
func NewClient(opts ...Option) *http.Client {
	o := options{timeout: defaultTimeout, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = NewTransport()
	}

	var rt http.RoundTripper = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("User-Agent") == "" {
			req = req.Clone(req.Context())
			req.Header.Set("User-Agent", o.userAgent)
		}
		return o.transport.RoundTrip(req)
	})
	if o.attempts > 0 {
		rt = &retrier{next: rt, attempts: o.attempts, backoff: o.backoff, logger: o.logger}
	}
	if o.pacer != nil {
		next, pacer := rt, o.pacer
		rt = roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if err := pacer.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("pacing: %w", err)
			}
			return next.RoundTrip(req)
		})
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type retrier struct {
	next     http.RoundTripper
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func (r *retrier) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	wait := r.backoff
	for attempt := 1; err != nil && isDialFailure(err) && rewindable && attempt <= r.attempts; attempt++ {
		if r.logger != nil {
			r.logger.Debug("provider unreachable, retrying",
				"host", req.URL.Host,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}
		if werr := sleep(req, wait); werr != nil {
			return nil, werr
		}
		wait = min(wait*2, maxRetryBackoff)

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", berr)
			}
			again.Body = body
		}
		resp, err = r.next.RoundTrip(again)
	}
	return resp, err
}

func sleep(req *http.Request, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-t.C:
		return nil
	}
}

// isDialFailure reports errors raised before any byte reached the
// server. A reset connection is not one: the provider may already be
// generating.
func isDialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns at most limit bytes of a provider error body,
// whitespace-trimmed and marked when cut, then drains and closes rc.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit+1))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	cut := int64(len(body)) > limit
	if cut {
		body = body[:limit]
	}
	s := strings.TrimSpace(string(body))
	if cut {
		s += errorBodyEllipsis
	}
	return s
}
