package model

import "time"

// Config is the parsed routing configuration. It is built once and treated as
// read-only afterwards; a reload produces a new Config.
type Config struct {
	ServerName string // informational
	Listen     string // host:port
	TLS        *TLS   // nil => plaintext
	Upstreams  map[string]Upstream
	Locations  []Location // declaration order matters for tie-breaks
}

// TLS holds the listener certificate pair.
type TLS struct {
	CertFile string
	KeyFile  string
}

// Upstream is a named, load-balanced group of backend servers.
type Upstream struct {
	Name     string
	Servers  []string // host:port, non-empty
	Strategy string   // "roundrobin"
	// Transport, when set, gives the group a connection pool of its own
	// tuned by these overrides; nil shares the default pool.
	Transport *UpstreamTransport
}

// UpstreamTransport overrides pool settings for one upstream group. Zero
// fields inherit the process-wide transport settings.
type UpstreamTransport struct {
	DialTimeout           time.Duration
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	ResponseHeaderTimeout time.Duration
}

// Location pairs a path prefix with what to do for requests under it.
type Location struct {
	PathPrefix string // must start with "/"
	Action     Action
	RateLimit  *RateLimit // optional
}

// Kind reports the action kind for logs and metric labels.
func (l *Location) Kind() string {
	switch l.Action.(type) {
	case ProxyPass:
		return KindProxy
	case StaticRoot:
		return KindStatic
	default:
		return "unknown"
	}
}

const (
	KindProxy  = "proxy"
	KindStatic = "static"
)

// Action is either ProxyPass or StaticRoot.
type Action interface {
	isAction()
}

// ProxyPass forwards matching requests to an upstream group.
type ProxyPass struct {
	Upstream     string // Upstream.Name
	StripPrefix  bool   // drop the location prefix from the forwarded path
	PreserveHost bool   // send the client's Host instead of the server address
}

// StaticRoot serves files below Root.
type StaticRoot struct {
	Root  string   // absolute after loading
	Index []string // tried in order for directory requests
}

func (ProxyPass) isAction()  {}
func (StaticRoot) isAction() {}

// RateLimit is a token bucket applied per location.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}
