package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/forward"
	"github.com/fabian4/proxy-homebrew-go/internal/metrics"
	"github.com/fabian4/proxy-homebrew-go/internal/model"
	"github.com/fabian4/proxy-homebrew-go/internal/proxy"
	"github.com/fabian4/proxy-homebrew-go/internal/ratelimit"
	"github.com/fabian4/proxy-homebrew-go/internal/static"
)

// Outcome names how a request ended. It is used in the access log and as a
// log attribute.
type Outcome string

const (
	OutcomeProxied          Outcome = "proxied"
	OutcomeStatic           Outcome = "static"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeForbidden        Outcome = "forbidden"
	OutcomeMethodNotAllowed Outcome = "method_not_allowed"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeBadGateway       Outcome = "bad_gateway"
	OutcomeStreamError      Outcome = "stream_error"
	OutcomeClientGone       Outcome = "client_gone"
	OutcomeInternalError    Outcome = "internal_error"
)

// statusClientClosed is logged when the client left before any response.
const statusClientClosed = 499

// Gateway is the request entry point. It is safe for concurrent use; the
// routing state is swapped atomically by Reload.
type Gateway struct {
	state atomic.Pointer[State]

	Transports forward.Factory
	Metrics    *metrics.Registry
	Logger     *slog.Logger

	limiter   *ratelimit.Limiter
	accessLog *accessLogger

	poolsMu sync.Mutex
	pools   map[string]model.UpstreamTransport // group -> overrides behind its registered transport
}

type Option func(*Gateway)

func WithTransports(f forward.Factory) Option { return func(g *Gateway) { g.Transports = f } }
func WithMetrics(m *metrics.Registry) Option  { return func(g *Gateway) { g.Metrics = m } }
func WithLogger(l *slog.Logger) Option        { return func(g *Gateway) { g.Logger = l } }

// WithAccessLog sets the access log destination; nil disables it.
func WithAccessLog(w io.Writer) Option {
	return func(g *Gateway) { g.accessLog.w = w }
}

func NewGateway(st *State, opts ...Option) *Gateway {
	g := &Gateway{
		limiter:   ratelimit.NewLimiter(),
		accessLog: newAccessLogger(nil, nil),
	}
	for _, o := range opts {
		o(g)
	}
	if g.Transports == nil {
		g.Transports = forward.NewDefaultRegistry()
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
	g.accessLog.logger = g.Logger
	g.syncPools(st)
	g.state.Store(st)
	return g
}

// State returns the live state.
func (g *Gateway) State() *State { return g.state.Load() }

// Reload installs st for all requests that start after it returns. In-flight
// requests finish on the state they started with.
func (g *Gateway) Reload(st *State) {
	g.syncPools(st)
	g.state.Store(st)
	g.limiter.Retain(st.rateLimitKeys())
	g.Logger.Info("routing state reloaded",
		"locations", st.Routes.Len(),
		"upstreams", len(st.Upstreams))
}

// poolName is the factory key of an upstream group's own transport.
func poolName(group string) string { return "upstream:" + group }

// syncPools registers a dedicated transport for every group carrying
// transport overrides and drops the ones whose overrides went away. A pool
// whose overrides are unchanged is kept along with its idle connections.
func (g *Gateway) syncPools(st *State) {
	g.poolsMu.Lock()
	defer g.poolsMu.Unlock()
	next := make(map[string]model.UpstreamTransport)
	for name, up := range st.Upstreams {
		if up.Transport == nil {
			continue
		}
		next[name] = *up.Transport
		if prev, ok := g.pools[name]; ok && prev == *up.Transport {
			continue
		}
		opts := g.Transports.Options().WithUpstream(up.Transport)
		g.Transports.Register(poolName(name), forward.NewTransport(opts))
		g.Logger.Debug("upstream pool registered", "upstream", name,
			"max_conns_per_host", opts.MaxConnsPerHost,
			"dial_timeout", opts.DialTimeout)
	}
	for name := range g.pools {
		if _, ok := next[name]; !ok {
			g.Transports.Register(poolName(name), nil)
		}
	}
	g.pools = next
}

var _ http.Handler = (*Gateway)(nil)

// requestInfo collects what the access log and metrics need to know about
// one request.
type requestInfo struct {
	outcome  Outcome
	location *model.Location
	upstream string
	server   string
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.state.Load()
	start := time.Now()
	done := g.Metrics.TrackInflight()
	lw := &loggingResponseWriter{ResponseWriter: w}
	info := &requestInfo{}

	// deferred so it also runs when a stream error aborts the handler
	defer func() {
		done()
		status := lw.statusCode
		switch {
		case status == 0 && info.outcome == OutcomeClientGone:
			status = statusClientClosed
		case status == 0:
			status = http.StatusOK
		}
		duration := time.Since(start)

		prefix, kind := "", "none"
		if info.location != nil {
			prefix, kind = info.location.PathPrefix, info.location.Kind()
		}
		g.accessLog.write(st.AccessLog, &AccessLog{
			Time:         start,
			RequestID:    RequestIDFrom(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     remoteIP(r.RemoteAddr),
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Location:     prefix,
			Upstream:     info.server,
			Outcome:      info.outcome,
			BytesWritten: lw.bytes,
		})
		g.Metrics.IncRequest(prefix, kind, r.Method, strconv.Itoa(status))
		g.Metrics.ObserveLatency(prefix, kind, duration)
	}()

	g.dispatch(lw, r, st, info)
}

// Dispatch routes and handles one request against the live state and
// reports how it ended.
func (g *Gateway) Dispatch(w http.ResponseWriter, r *http.Request) Outcome {
	return g.dispatch(w, r, g.state.Load(), &requestInfo{})
}

func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, st *State, info *requestInfo) Outcome {
	// dot segments are not cleaned; the static resolver rejects escapes
	path := r.URL.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	loc := st.Routes.Match(path)
	if loc == nil {
		http.NotFound(w, r)
		info.outcome = OutcomeNotFound
		return info.outcome
	}
	info.location = loc

	if loc.RateLimit != nil {
		if ok, wait := g.limiter.Allow(loc.PathPrefix, *loc.RateLimit); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(wait)))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			info.outcome = OutcomeRateLimited
			return info.outcome
		}
	}

	switch action := loc.Action.(type) {
	case model.ProxyPass:
		info.outcome = g.proxyPass(w, r, st, loc, action, path, info)
	case model.StaticRoot:
		info.outcome = g.serveStatic(w, r, st, loc, path)
	default:
		g.Logger.Error("location without action", "location", loc.PathPrefix)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		info.outcome = OutcomeInternalError
	}
	return info.outcome
}

func (g *Gateway) proxyPass(w http.ResponseWriter, r *http.Request, st *State, loc *model.Location, pp model.ProxyPass, path string, info *requestInfo) Outcome {
	b, ok := st.Balancer(pp.Upstream)
	if !ok {
		// unreachable for a validated config
		g.Logger.Error("unknown upstream", "location", loc.PathPrefix, "upstream", pp.Upstream)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return OutcomeBadGateway
	}
	server := b.Select()
	info.upstream, info.server = pp.Upstream, server
	g.Metrics.IncSelection(pp.Upstream, server)

	target := proxy.Target{
		Addr:         server,
		Path:         path,
		RawPath:      r.URL.RawPath,
		PreserveHost: pp.PreserveHost,
	}
	if st.Upstreams[pp.Upstream].Transport != nil {
		target.Transport = poolName(pp.Upstream)
	}
	if pp.StripPrefix {
		target.Path, target.RawPath = stripPrefix(loc.PathPrefix, path, r.URL)
	}

	fw := proxy.Forwarder{Transports: g.Transports, Timeout: st.UpstreamTimeout, Logger: g.Logger}
	err := fw.Forward(w, r, target)
	if err == nil {
		return OutcomeProxied
	}

	category := proxy.CategoryName(err)
	attrs := []any{
		"location", loc.PathPrefix,
		"upstream", pp.Upstream,
		"server", server,
		"category", category,
		"request_id", RequestIDFrom(r.Context()),
		"error", err,
	}
	var ue *proxy.UpstreamError
	written := errors.As(err, &ue) && ue.Written

	switch {
	case errors.Is(err, proxy.ErrClientGone):
		g.Logger.Debug("client went away during upstream exchange", attrs...)
		return OutcomeClientGone
	case written:
		g.Metrics.IncUpstreamError(pp.Upstream, category)
		g.Logger.Warn("upstream failed mid-response, aborting client connection", attrs...)
		info.outcome = OutcomeStreamError
		panic(http.ErrAbortHandler)
	default:
		g.Metrics.IncUpstreamError(pp.Upstream, category)
		g.Logger.Warn("upstream request failed", attrs...)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return OutcomeBadGateway
	}
}

// stripPrefix removes the location prefix from the forwarded path, keeping
// a leading slash.
func stripPrefix(prefix, path string, u *url.URL) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	raw := ""
	if u.RawPath != "" && strings.HasPrefix(u.RawPath, prefix) {
		raw = strings.TrimPrefix(u.RawPath, prefix)
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
	}
	return rest, raw
}

func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request, st *State, loc *model.Location, path string) Outcome {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return OutcomeMethodNotAllowed
	}
	res, ok := st.resolvers[loc]
	if !ok {
		g.Logger.Error("static location without resolver", "location", loc.PathPrefix)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return OutcomeInternalError
	}

	f, err := res.Resolve(strings.TrimPrefix(path, loc.PathPrefix))
	if err == nil {
		err = res.Serve(w, r, f)
	}
	switch {
	case err == nil:
		return OutcomeStatic
	case errors.Is(err, static.ErrForbidden):
		g.Metrics.IncStaticDenied(loc.PathPrefix)
		g.Logger.Warn("static path escapes root",
			"location", loc.PathPrefix,
			"path", r.URL.Path,
			"remote_ip", remoteIP(r.RemoteAddr),
			"request_id", RequestIDFrom(r.Context()))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return OutcomeForbidden
	case errors.Is(err, static.ErrNotFound):
		http.NotFound(w, r)
		return OutcomeNotFound
	default:
		g.Logger.Error("static file error", "location", loc.PathPrefix, "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return OutcomeInternalError
	}
}
