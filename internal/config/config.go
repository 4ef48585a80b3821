package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/proxy-homebrew-go/internal/logging"
	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

type rawConfig struct {
	ServerName string                 `yaml:"server_name"`
	Listen     string                 `yaml:"listen"`
	SSL        bool                   `yaml:"ssl"`
	SSLCert    string                 `yaml:"ssl_cert"`
	SSLKey     string                 `yaml:"ssl_key"`
	Upstreams  map[string]rawUpstream `yaml:"upstreams"`
	Locations  []rawLocation          `yaml:"locations"`
	Timeouts   struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Idle     string `yaml:"idle"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	Transport struct {
		DialTimeout           string `yaml:"dial_timeout"`
		MaxIdleConns          int    `yaml:"max_idle_conns"`
		MaxIdleConnsPerHost   int    `yaml:"max_idle_conns_per_host"`
		MaxConnsPerHost       int    `yaml:"max_conns_per_host"`
		IdleConnTimeout       string `yaml:"idle_conn_timeout"`
		ResponseHeaderTimeout string `yaml:"response_header_timeout"`
		IdleSweep             string `yaml:"idle_sweep"`
	} `yaml:"transport"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	AccessLog struct {
		Enabled  *bool    `yaml:"enabled"`
		Path     string   `yaml:"path"`
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"access_log"`
	Admin struct {
		Listen string `yaml:"listen"`
	} `yaml:"admin"`
}

type rawUpstream struct {
	Servers    []string `yaml:"servers"`
	LBStrategy string   `yaml:"lb_strategy"`
	Transport  *struct {
		DialTimeout           string `yaml:"dial_timeout"`
		MaxIdleConnsPerHost   int    `yaml:"max_idle_conns_per_host"`
		MaxConnsPerHost       int    `yaml:"max_conns_per_host"`
		ResponseHeaderTimeout string `yaml:"response_header_timeout"`
	} `yaml:"transport"`
}

type rawLocation struct {
	Path         string   `yaml:"path"`
	Type         string   `yaml:"type"`
	ProxyPass    string   `yaml:"proxy_pass"`
	StripPrefix  bool     `yaml:"strip_prefix"`
	PreserveHost bool     `yaml:"preserve_host"`
	Root         string   `yaml:"root"`
	Index        []string `yaml:"index"`
	RateLimit    *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

const defaultListen = ":8080"

// Load reads, parses and validates the YAML config at path. Relative static
// roots and certificate paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	base := filepath.Dir(path)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	c, err := Parse(b, base)
	if err != nil {
		return nil, err
	}
	c.Path = path
	return c, nil
}

// Parse decodes a YAML document. base is the directory relative paths are
// resolved against.
func Parse(b []byte, base string) (*Config, error) {
	var rc rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{}
	c.ServerName = strings.TrimSpace(rc.ServerName)

	// listen
	c.Listen = strings.TrimSpace(rc.Listen)
	if c.Listen == "" {
		c.Listen = defaultListen
	}

	// tls
	if rc.SSL {
		c.TLS = &model.TLS{
			CertFile: resolvePath(base, strings.TrimSpace(rc.SSLCert)),
			KeyFile:  resolvePath(base, strings.TrimSpace(rc.SSLKey)),
		}
	}

	// upstreams
	c.Upstreams = make(map[string]model.Upstream, len(rc.Upstreams))
	for name, u := range rc.Upstreams {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &ConfigError{Field: "upstreams", Err: fmt.Errorf("%w: empty group name", ErrBadLocation)}
		}
		servers := make([]string, 0, len(u.Servers))
		for _, s := range u.Servers {
			servers = append(servers, strings.TrimSpace(s))
		}
		up := model.Upstream{
			Name:     name,
			Servers:  servers,
			Strategy: strings.ToLower(strings.TrimSpace(u.LBStrategy)),
		}
		if rt := u.Transport; rt != nil {
			field := "upstreams." + name + ".transport"
			ut := &model.UpstreamTransport{
				MaxIdleConnsPerHost: rt.MaxIdleConnsPerHost,
				MaxConnsPerHost:     rt.MaxConnsPerHost,
			}
			var err error
			if ut.DialTimeout, err = parseDuration(field+".dial_timeout", rt.DialTimeout); err != nil {
				return nil, err
			}
			if ut.ResponseHeaderTimeout, err = parseDuration(field+".response_header_timeout", rt.ResponseHeaderTimeout); err != nil {
				return nil, err
			}
			up.Transport = ut
		}
		c.Upstreams[name] = up
	}

	// locations
	for i, rl := range rc.Locations {
		field := fmt.Sprintf("locations[%d]", i)
		loc := model.Location{PathPrefix: strings.TrimSpace(rl.Path)}
		switch strings.ToLower(strings.TrimSpace(rl.Type)) {
		case model.KindProxy:
			loc.Action = model.ProxyPass{
				Upstream:     strings.TrimSpace(rl.ProxyPass),
				StripPrefix:  rl.StripPrefix,
				PreserveHost: rl.PreserveHost,
			}
		case model.KindStatic:
			index := rl.Index
			if index == nil {
				index = []string{"index.html"}
			}
			loc.Action = model.StaticRoot{
				Root:  resolvePath(base, strings.TrimSpace(rl.Root)),
				Index: index,
			}
		default:
			return nil, &ConfigError{Field: field + ".type", Err: fmt.Errorf("%w: type must be proxy or static, got %q", ErrBadLocation, rl.Type)}
		}
		if rl.RateLimit != nil {
			loc.RateLimit = &model.RateLimit{
				RequestsPerSecond: rl.RateLimit.RequestsPerSecond,
				Burst:             rl.RateLimit.Burst,
			}
		}
		c.Locations = append(c.Locations, loc)
	}

	if err := Validate(&c.Config); err != nil {
		return nil, err
	}

	// timeouts
	var err error
	if c.Timeouts.Read, err = parseDuration("timeouts.read", rc.Timeouts.Read); err != nil {
		return nil, err
	}
	if c.Timeouts.Write, err = parseDuration("timeouts.write", rc.Timeouts.Write); err != nil {
		return nil, err
	}
	if c.Timeouts.Idle, err = parseDuration("timeouts.idle", rc.Timeouts.Idle); err != nil {
		return nil, err
	}
	if c.Timeouts.Upstream, err = parseDuration("timeouts.upstream", rc.Timeouts.Upstream); err != nil {
		return nil, err
	}

	// transport
	t := rc.Transport
	c.Transport = Transport{
		MaxIdleConns:        t.MaxIdleConns,
		MaxIdleConnsPerHost: t.MaxIdleConnsPerHost,
		MaxConnsPerHost:     t.MaxConnsPerHost,
		IdleSweep:           strings.TrimSpace(t.IdleSweep),
	}
	if c.Transport.IdleSweep != "" {
		if _, err := cron.ParseStandard(c.Transport.IdleSweep); err != nil {
			return nil, &ConfigError{Field: "transport.idle_sweep", Err: err}
		}
	}
	if c.Transport.DialTimeout, err = parseDuration("transport.dial_timeout", t.DialTimeout); err != nil {
		return nil, err
	}
	if c.Transport.IdleConnTimeout, err = parseDuration("transport.idle_conn_timeout", t.IdleConnTimeout); err != nil {
		return nil, err
	}
	if c.Transport.ResponseHeaderTimeout, err = parseDuration("transport.response_header_timeout", t.ResponseHeaderTimeout); err != nil {
		return nil, err
	}

	// logging
	c.Logging = Logging{
		Level:  strings.ToLower(strings.TrimSpace(rc.Logging.Level)),
		Format: strings.ToLower(strings.TrimSpace(rc.Logging.Format)),
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return nil, &ConfigError{Field: "logging.level", Err: err}
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return nil, &ConfigError{Field: "logging.format", Err: err}
	}

	// access log
	c.AccessLog = AccessLog{
		Enabled:  true,
		Path:     strings.TrimSpace(rc.AccessLog.Path),
		Sampling: 1.0,
		Fields:   rc.AccessLog.Fields,
	}
	if rc.AccessLog.Enabled != nil {
		c.AccessLog.Enabled = *rc.AccessLog.Enabled
	}
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, &ConfigError{Field: "access_log.sampling", Err: fmt.Errorf("must be within [0, 1], got %g", s)}
		}
		c.AccessLog.Sampling = s
	}
	if c.AccessLog.Path != "" {
		c.AccessLog.Path = resolvePath(base, c.AccessLog.Path)
	}

	c.Admin.Listen = strings.TrimSpace(rc.Admin.Listen)
	if c.Admin.Listen != "" {
		if err := checkListen(c.Admin.Listen); err != nil {
			return nil, &ConfigError{Field: "admin.listen", Err: err}
		}
	}

	return c, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ConfigError{Field: field, Err: err}
	}
	if d < 0 {
		return 0, &ConfigError{Field: field, Err: fmt.Errorf("negative duration %s", s)}
	}
	return d, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}
