package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func TestLoad_Minimal(t *testing.T) {
	yml := `
server_name: example.local
upstreams:
  backend:
    servers: ["127.0.0.1:9001", " 127.0.0.1:9002 "]
locations:
  - path: /api
    type: proxy
    proxy_pass: backend
  - path: /
    type: static
    root: ./public
`
	fp := writeTmp(t, yml)
	if err := os.Mkdir(filepath.Join(filepath.Dir(fp), "public"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, want := cfg.Listen, ":8080"; got != want {
		t.Fatalf("listen: got %q, want %q", got, want)
	}
	if cfg.TLS != nil {
		t.Fatalf("tls: got %+v, want nil", cfg.TLS)
	}
	if cfg.Path != fp {
		t.Fatalf("path: got %q, want %q", cfg.Path, fp)
	}
	up, ok := cfg.Upstreams["backend"]
	if !ok {
		t.Fatalf("upstream backend not found")
	}
	if len(up.Servers) != 2 || up.Servers[1] != "127.0.0.1:9002" {
		t.Fatalf("servers: got %q", up.Servers)
	}
	if len(cfg.Locations) != 2 {
		t.Fatalf("locations len: got %d, want 2", len(cfg.Locations))
	}
	pp, ok := cfg.Locations[0].Action.(model.ProxyPass)
	if !ok || pp.Upstream != "backend" || pp.StripPrefix || pp.PreserveHost {
		t.Fatalf("location 0: got %+v", cfg.Locations[0].Action)
	}
	sr, ok := cfg.Locations[1].Action.(model.StaticRoot)
	if !ok {
		t.Fatalf("location 1: got %T, want StaticRoot", cfg.Locations[1].Action)
	}
	if want := filepath.Join(filepath.Dir(fp), "public"); sr.Root != want {
		t.Errorf("root: got %q, want %q (resolved against the config dir)", sr.Root, want)
	}
	if len(sr.Index) != 1 || sr.Index[0] != "index.html" {
		t.Errorf("index default: got %q", sr.Index)
	}

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults: got %+v", cfg.Logging)
	}
	if !cfg.AccessLog.Enabled || cfg.AccessLog.Sampling != 1 || cfg.AccessLog.Path != "" {
		t.Errorf("access log defaults: got %+v", cfg.AccessLog)
	}
	if cfg.Admin.Listen != "" {
		t.Errorf("admin listen: got %q, want empty", cfg.Admin.Listen)
	}
}

func TestLoad_FullSettings(t *testing.T) {
	yml := `
listen: "127.0.0.1:9443"
upstreams:
  api:
    servers: ["10.0.0.1:80"]
    lb_strategy: RoundRobin
locations:
  - path: /api
    type: proxy
    proxy_pass: api
    strip_prefix: true
    preserve_host: true
    rate_limit:
      requests_per_second: 2.5
      burst: 5
timeouts:
  read: 1s
  write: 2m
  upstream: 500ms
transport:
  dial_timeout: 3s
  max_idle_conns_per_host: 16
  idle_sweep: "@every 5m"
logging:
  level: DEBUG
  format: text
access_log:
  enabled: false
  path: logs/access.log
  sampling: 0.25
  fields: [method, status]
admin:
  listen: "127.0.0.1:9090"
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstreams["api"].Strategy != "roundrobin" {
		t.Errorf("strategy: got %q", cfg.Upstreams["api"].Strategy)
	}
	loc := cfg.Locations[0]
	if pp := loc.Action.(model.ProxyPass); !pp.StripPrefix || !pp.PreserveHost {
		t.Errorf("proxy flags: got %+v", pp)
	}
	if loc.RateLimit == nil || loc.RateLimit.RequestsPerSecond != 2.5 || loc.RateLimit.Burst != 5 {
		t.Errorf("rate limit: got %+v", loc.RateLimit)
	}
	if cfg.Timeouts.Read != time.Second || cfg.Timeouts.Write != 2*time.Minute || cfg.Timeouts.Upstream != 500*time.Millisecond {
		t.Errorf("timeouts: got %+v", cfg.Timeouts)
	}
	if cfg.Timeouts.Idle != 0 {
		t.Errorf("idle timeout: got %v, want 0 (unset)", cfg.Timeouts.Idle)
	}
	if cfg.Transport.DialTimeout != 3*time.Second || cfg.Transport.MaxIdleConnsPerHost != 16 || cfg.Transport.IdleSweep != "@every 5m" {
		t.Errorf("transport: got %+v", cfg.Transport)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging: got %+v", cfg.Logging)
	}
	if cfg.AccessLog.Enabled || cfg.AccessLog.Sampling != 0.25 || len(cfg.AccessLog.Fields) != 2 {
		t.Errorf("access log: got %+v", cfg.AccessLog)
	}
	if want := filepath.Join(filepath.Dir(fp), "logs", "access.log"); cfg.AccessLog.Path != want {
		t.Errorf("access log path: got %q, want %q", cfg.AccessLog.Path, want)
	}
	if cfg.Admin.Listen != "127.0.0.1:9090" {
		t.Errorf("admin: got %q", cfg.Admin.Listen)
	}
}

func TestLoad_Errors(t *testing.T) {
	const upstreams = `
upstreams:
  api:
    servers: ["127.0.0.1:9001"]
`
	cases := []struct {
		name  string
		yml   string
		field string
		err   error
	}{
		{
			name:  "dangling proxy_pass",
			yml:   upstreams + "locations:\n  - {path: /api, type: proxy, proxy_pass: nope}\n",
			field: "locations[0].proxy_pass",
			err:   ErrUnknownUpstream,
		},
		{
			name:  "empty upstream",
			yml:   "upstreams:\n  api:\n    servers: []\n",
			field: "upstreams.api.servers",
			err:   ErrEmptyUpstream,
		},
		{
			name:  "bad server",
			yml:   "upstreams:\n  api:\n    servers: [\"localhost\"]\n",
			field: "upstreams.api.servers[0]",
			err:   ErrBadServer,
		},
		{
			name:  "bad strategy",
			yml:   "upstreams:\n  api:\n    servers: [\"a:1\"]\n    lb_strategy: random\n",
			field: "upstreams.api.lb_strategy",
			err:   ErrBadStrategy,
		},
		{
			name:  "negative upstream pool limit",
			yml:   "upstreams:\n  api:\n    servers: [\"a:1\"]\n    transport: {max_conns_per_host: -1}\n",
			field: "upstreams.api.transport",
			err:   ErrBadTransport,
		},
		{
			name:  "malformed upstream dial timeout",
			yml:   "upstreams:\n  api:\n    servers: [\"a:1\"]\n    transport: {dial_timeout: later}\n",
			field: "upstreams.api.transport.dial_timeout",
		},
		{
			name:  "prefix without slash",
			yml:   upstreams + "locations:\n  - {path: api, type: proxy, proxy_pass: api}\n",
			field: "locations[0].path",
			err:   ErrBadPrefix,
		},
		{
			name:  "bad listen",
			yml:   "listen: \"8080\"\n",
			field: "listen",
			err:   ErrBadListen,
		},
		{
			name:  "missing root",
			yml:   "locations:\n  - {path: /, type: static, root: ./does-not-exist}\n",
			field: "locations[0].root",
			err:   ErrRootDir,
		},
		{
			name:  "unknown type",
			yml:   "locations:\n  - {path: /, type: redirect}\n",
			field: "locations[0].type",
			err:   ErrBadLocation,
		},
		{
			name:  "non-positive rate limit",
			yml:   upstreams + "locations:\n  - {path: /, type: proxy, proxy_pass: api, rate_limit: {requests_per_second: 0, burst: 1}}\n",
			field: "locations[0].rate_limit",
			err:   ErrBadLocation,
		},
		{
			name:  "tls without key",
			yml:   "ssl: true\nssl_cert: cert.pem\n",
			field: "ssl",
			err:   ErrTLS,
		},
		{
			name:  "tls missing file",
			yml:   "ssl: true\nssl_cert: cert.pem\nssl_key: key.pem\n",
			field: "ssl_cert",
			err:   ErrTLS,
		},
		{
			name:  "negative timeout",
			yml:   "timeouts:\n  upstream: -1s\n",
			field: "timeouts.upstream",
		},
		{
			name:  "malformed timeout",
			yml:   "timeouts:\n  read: soon\n",
			field: "timeouts.read",
		},
		{
			name:  "bad idle sweep",
			yml:   "transport:\n  idle_sweep: \"every now and then\"\n",
			field: "transport.idle_sweep",
		},
		{
			name:  "bad log level",
			yml:   "logging:\n  level: loud\n",
			field: "logging.level",
		},
		{
			name:  "sampling out of range",
			yml:   "access_log:\n  sampling: 1.5\n",
			field: "access_log.sampling",
		},
		{
			name:  "bad admin listen",
			yml:   "admin:\n  listen: nowhere\n",
			field: "admin.listen",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTmp(t, tc.yml))
			if err == nil {
				t.Fatal("want error")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("want *ConfigError, got %T: %v", err, err)
			}
			if ce.Field != tc.field {
				t.Errorf("field: got %q, want %q", ce.Field, tc.field)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Errorf("want errors.Is %v, got %v", tc.err, err)
			}
		})
	}
}

func TestLoad_UpstreamTransport(t *testing.T) {
	yml := `
upstreams:
  api:
    servers: ["127.0.0.1:9001"]
    transport:
      dial_timeout: 2s
      max_idle_conns_per_host: 8
      max_conns_per_host: 32
      response_header_timeout: 5s
  web:
    servers: ["127.0.0.1:9002"]
`
	cfg, err := Load(writeTmp(t, yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cfg.Upstreams["api"].Transport
	if got == nil {
		t.Fatal("api: transport overrides not parsed")
	}
	want := model.UpstreamTransport{
		DialTimeout:           2 * time.Second,
		MaxIdleConnsPerHost:   8,
		MaxConnsPerHost:       32,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	if *got != want {
		t.Errorf("api transport: got %+v, want %+v", *got, want)
	}
	if cfg.Upstreams["web"].Transport != nil {
		t.Errorf("web: want shared pool, got %+v", cfg.Upstreams["web"].Transport)
	}
}

func TestLoad_DanglingNamesGroup(t *testing.T) {
	yml := `
upstreams:
  api:
    servers: ["127.0.0.1:9001"]
locations:
  - path: /api
    type: proxy
    proxy_pass: billing
`
	_, err := Load(writeTmp(t, yml))
	if err == nil || !strings.Contains(err.Error(), `"billing"`) {
		t.Fatalf("want error naming the group, got %v", err)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	if _, err := Load(writeTmp(t, "listen: \":8080\"\nlisten_port: 80\n")); err == nil {
		t.Fatal("want error for an unknown key")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for a missing file")
	}
}

func TestLoad_EmptyDocument(t *testing.T) {
	cfg, err := Load(writeTmp(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" || len(cfg.Locations) != 0 {
		t.Fatalf("got %+v", cfg.Config)
	}
}

func TestLoad_TLS(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"cert.pem", "key.pem"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	fp := filepath.Join(dir, "config.yaml")
	yml := "listen: \":8443\"\nssl: true\nssl_cert: cert.pem\nssl_key: " + filepath.Join(dir, "key.pem") + "\n"
	if err := os.WriteFile(fp, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TLS == nil {
		t.Fatal("tls: got nil")
	}
	if got, want := cfg.TLS.CertFile, filepath.Join(dir, "cert.pem"); got != want {
		t.Errorf("cert_file: got %q, want %q", got, want)
	}
	if got, want := cfg.TLS.KeyFile, filepath.Join(dir, "key.pem"); got != want {
		t.Errorf("key_file: got %q, want %q", got, want)
	}
}

func TestValidate_Nil(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("want error for nil config")
	}
}

func TestValidate_RootIsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &model.Config{
		Listen:    ":8080",
		Locations: []model.Location{{PathPrefix: "/", Action: model.StaticRoot{Root: f}}},
	}
	if err := Validate(m); !errors.Is(err, ErrRootDir) {
		t.Fatalf("want ErrRootDir, got %v", err)
	}
}
