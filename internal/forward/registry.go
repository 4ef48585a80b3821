package forward

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/config"
	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

// ProtoHTTP1 is the default transport: HTTP/1.1 over plain TCP.
const ProtoHTTP1 = "http1"

// Options tunes the default transports.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // caps dialing + active + idle per upstream server

	// Timeouts
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // optional, 0 to disable
}

// DefaultOptions mirrors battle-tested proxy-ish settings. MaxConnsPerHost
// is bounded so a stalled server queues its own requests instead of pulling
// file descriptors away from the rest.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       256,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
	}
}

// FromConfig overlays the non-zero values of the transport config block on
// DefaultOptions.
func FromConfig(t config.Transport) Options {
	o := DefaultOptions()
	if t.DialTimeout > 0 {
		o.DialTimeout = t.DialTimeout
	}
	if t.MaxIdleConns > 0 {
		o.MaxIdleConns = t.MaxIdleConns
	}
	if t.MaxIdleConnsPerHost > 0 {
		o.MaxIdleConnsPerHost = t.MaxIdleConnsPerHost
	}
	if t.MaxConnsPerHost > 0 {
		o.MaxConnsPerHost = t.MaxConnsPerHost
	}
	if t.IdleConnTimeout > 0 {
		o.IdleConnTimeout = t.IdleConnTimeout
	}
	if t.ResponseHeaderTimeout > 0 {
		o.ResponseHeaderTimeout = t.ResponseHeaderTimeout
	}
	return o
}

// WithUpstream overlays the non-zero per-group overrides on o.
func (o Options) WithUpstream(t *model.UpstreamTransport) Options {
	if t == nil {
		return o
	}
	if t.DialTimeout > 0 {
		o.DialTimeout = t.DialTimeout
	}
	if t.MaxIdleConnsPerHost > 0 {
		o.MaxIdleConnsPerHost = t.MaxIdleConnsPerHost
	}
	if t.MaxConnsPerHost > 0 {
		o.MaxConnsPerHost = t.MaxConnsPerHost
	}
	if t.ResponseHeaderTimeout > 0 {
		o.ResponseHeaderTimeout = t.ResponseHeaderTimeout
	}
	return o
}

// Factory returns a RoundTripper by name. Register with a nil transport
// removes the name so Get falls back to http1 again.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	Options() Options
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

// NewDefaultRegistry builds a registry with DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with the given options and pre-registers http1.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = NewTransport(opts)
	return r
}

// Options returns the settings the registry's http1 transport was built with.
func (r *Registry) Options() Options { return r.opts }

// Get returns the transport registered under name, falling back to http1.
func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.store[name]; ok && rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

// Register stores rt under name. A nil rt deletes the entry. The replaced
// transport, if any, has its idle connections closed; http1 cannot be
// replaced or removed.
func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || name == ProtoHTTP1 {
		return
	}
	r.mu.Lock()
	old := r.store[name]
	if rt == nil {
		delete(r.store, name)
	} else {
		r.store[name] = rt
	}
	r.mu.Unlock()
	if old != nil && old != rt {
		closeIdle(old)
	}
}

// CloseIdle closes idle pooled connections of every transport that supports it.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		closeIdle(rt)
	}
}

func closeIdle(rt http.RoundTripper) {
	if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// NewTransport builds an HTTP/1.1 transport with its own connection pool.
func NewTransport(opts Options) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: opts.DialKeepAlive,
	}
	tr := &http.Transport{
		// upstream addresses come from config; never route them through HTTP_PROXY
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		ExpectContinueTimeout: opts.ExpectContinueTimeout,
		// the proxy relays the body as received; no transparent gunzip
		DisableCompression: true,
	}
	if opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
	}
	return tr
}
