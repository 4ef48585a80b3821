package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fabian4/proxy-homebrew-go/internal/lb"
	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

// Validate checks the invariants a routing config must satisfy before the
// proxy may start. It returns the first violation as a *ConfigError.
func Validate(m *model.Config) error {
	if m == nil {
		return &ConfigError{Err: fmt.Errorf("%w: config is nil", ErrBadLocation)}
	}
	if err := checkListen(m.Listen); err != nil {
		return &ConfigError{Field: "listen", Err: err}
	}
	if m.TLS != nil {
		if m.TLS.CertFile == "" || m.TLS.KeyFile == "" {
			return &ConfigError{Field: "ssl", Err: fmt.Errorf("%w: ssl_cert and ssl_key are required", ErrTLS)}
		}
		if _, err := os.Stat(m.TLS.CertFile); err != nil {
			return &ConfigError{Field: "ssl_cert", Err: fmt.Errorf("%w: %v", ErrTLS, err)}
		}
		if _, err := os.Stat(m.TLS.KeyFile); err != nil {
			return &ConfigError{Field: "ssl_key", Err: fmt.Errorf("%w: %v", ErrTLS, err)}
		}
	}

	names := make([]string, 0, len(m.Upstreams))
	for name := range m.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		up := m.Upstreams[name]
		field := "upstreams." + name
		if len(up.Servers) == 0 {
			return &ConfigError{Field: field + ".servers", Err: fmt.Errorf("%w: %q", ErrEmptyUpstream, name)}
		}
		for i, s := range up.Servers {
			if err := checkServer(s); err != nil {
				return &ConfigError{Field: fmt.Sprintf("%s.servers[%d]", field, i), Err: err}
			}
		}
		if t := up.Transport; t != nil && (t.MaxConnsPerHost < 0 || t.MaxIdleConnsPerHost < 0) {
			return &ConfigError{Field: field + ".transport", Err: fmt.Errorf("%w: connection limits must not be negative", ErrBadTransport)}
		}
		if _, err := lb.ParseStrategy(up.Strategy); err != nil {
			return &ConfigError{Field: field + ".lb_strategy", Err: fmt.Errorf("%w: %q", ErrBadStrategy, up.Strategy)}
		}
	}

	for i, loc := range m.Locations {
		field := fmt.Sprintf("locations[%d]", i)
		if !strings.HasPrefix(loc.PathPrefix, "/") {
			return &ConfigError{Field: field + ".path", Err: fmt.Errorf("%w: %q", ErrBadPrefix, loc.PathPrefix)}
		}
		switch a := loc.Action.(type) {
		case model.ProxyPass:
			if err := checkProxyPass(m, a); err != nil {
				return &ConfigError{Field: field + ".proxy_pass", Err: err}
			}
		case model.StaticRoot:
			if err := checkRoot(a.Root); err != nil {
				return &ConfigError{Field: field + ".root", Err: err}
			}
		default:
			return &ConfigError{Field: field + ".type", Err: fmt.Errorf("%w: no action", ErrBadLocation)}
		}
		if rl := loc.RateLimit; rl != nil && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
			return &ConfigError{Field: field + ".rate_limit", Err: fmt.Errorf("%w: requests_per_second and burst must be positive", ErrBadLocation)}
		}
	}
	return nil
}

func checkProxyPass(m *model.Config, p model.ProxyPass) error {
	if p.Upstream == "" {
		return fmt.Errorf("%w: proxy_pass is required for proxy locations", ErrBadLocation)
	}
	if _, ok := m.Upstreams[p.Upstream]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUpstream, p.Upstream)
	}
	return nil
}

func checkListen(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBadListen, addr, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("%w: %q: bad port", ErrBadListen, addr)
	}
	return nil
}

func checkServer(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return fmt.Errorf("%w: %q", ErrBadServer, addr)
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return fmt.Errorf("%w: %q: bad port", ErrBadServer, addr)
	}
	return nil
}

func checkRoot(root string) error {
	if root == "" {
		return fmt.Errorf("%w: root is required for static locations", ErrBadLocation)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootDir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootDir, root)
	}
	d, err := os.Open(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootDir, err)
	}
	_ = d.Close()
	return nil
}
