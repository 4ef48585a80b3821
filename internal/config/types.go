package config

import (
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

// Config is the loaded configuration: the routing model plus process settings.
type Config struct {
	model.Config

	Timeouts  Timeouts
	Transport Transport
	Logging   Logging
	AccessLog AccessLog
	Admin     Admin

	Path string // file the config was loaded from
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Upstream time.Duration
}

// Transport tunes the outbound connection pool. Zero values mean "use the
// forward package defaults".
type Transport struct {
	DialTimeout           time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	IdleSweep             string // cron spec, e.g. "@every 5m"; empty disables
}

type Logging struct {
	Level  string // debug|info|warn|error
	Format string // json|text
}

type AccessLog struct {
	Enabled  bool
	Path     string   // empty => stdout
	Sampling float64  // 0..1, 1 logs everything
	Fields   []string // empty => all fields
}

type Admin struct {
	Listen string // empty disables the admin listener
}
