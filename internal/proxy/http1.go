// Package proxy forwards one inbound request to one upstream server and
// relays the response. It is hand-rolled on top of http.RoundTripper rather
// than httputil.ReverseProxy so failures can be reported by category.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/forward"
)

// Target is the upstream side of one exchange.
type Target struct {
	Addr         string // host:port
	Path         string // decoded path sent upstream
	RawPath      string // optional escaped form of Path
	PreserveHost bool   // keep the client's Host instead of Addr
	Transport    string // named pool in the factory; empty means http1
}

// Forwarder performs upstream exchanges. It is safe for concurrent use.
type Forwarder struct {
	Transports forward.Factory
	Timeout    time.Duration // bounds the whole exchange; 0 disables
	Logger     *slog.Logger
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// Forward sends r to t and streams the response into w. The outbound request
// inherits r's context, so a client disconnect aborts it. Any failure is
// returned as *UpstreamError; when its Written field is true the status line
// is already on the wire and the caller can only abort the connection.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, t Target) error {
	u := &url.URL{
		Scheme:   "http",
		Host:     t.Addr,
		Path:     t.Path,
		RawPath:  t.RawPath,
		RawQuery: r.URL.RawQuery,
	}

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	ctx := r.Context()
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	body := r.Body
	if r.ContentLength == 0 || body == nil {
		body = http.NoBody
	}
	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return &UpstreamError{Addr: t.Addr, Category: ErrUpstreamUnreachable, Err: err}
	}
	reqUp.Header = hdr
	reqUp.ContentLength = r.ContentLength
	if body == http.NoBody {
		reqUp.ContentLength = 0
	}
	if t.PreserveHost {
		reqUp.Host = r.Host
	} else {
		reqUp.Host = t.Addr
	}

	resUp, err := f.Transports.Get(t.Transport).RoundTrip(reqUp)
	if err != nil {
		return &UpstreamError{Addr: t.Addr, Category: classify(r.Context(), err, false), Err: err}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			f.logger().Debug("closing upstream body", "upstream", t.Addr, "error", err)
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	copyHeaders(w.Header(), resUp.Header)

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	if resUp.ContentLength >= 0 {
		// known length: let the server's own buffering work
		flusher = nil
	}

	readErr, writeErr := copyBody(w, resUp.Body, flusher)
	switch {
	case writeErr != nil:
		return &UpstreamError{Addr: t.Addr, Category: ErrClientGone, Written: true, Err: writeErr}
	case readErr != nil:
		return &UpstreamError{Addr: t.Addr, Category: classify(r.Context(), readErr, true), Written: true, Err: readErr}
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	f.logger().Debug("upstream exchange done", "upstream", t.Addr, "status", resUp.StatusCode)
	return nil
}

// copyBody streams src into dst chunk by chunk. A non-nil flusher is called
// after every chunk.
func copyBody(dst io.Writer, src io.Reader, flusher http.Flusher) (readErr, writeErr error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil, nil
		}
		if rerr != nil {
			return rerr, nil
		}
	}
}

func (f *Forwarder) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
