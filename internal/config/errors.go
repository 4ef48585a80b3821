package config

import "errors"

var (
	ErrUnknownUpstream = errors.New("unknown upstream")
	ErrEmptyUpstream   = errors.New("upstream has no servers")
	ErrBadPrefix       = errors.New("path prefix must start with '/'")
	ErrBadListen       = errors.New("malformed listen address")
	ErrBadServer       = errors.New("malformed server address")
	ErrRootDir         = errors.New("unreadable root directory")
	ErrBadStrategy     = errors.New("unknown lb strategy")
	ErrBadLocation     = errors.New("invalid location")
	ErrTLS             = errors.New("invalid tls settings")
	ErrBadTransport    = errors.New("invalid transport settings")
)

// ConfigError reports a load-time violation. Field is a path into the
// document such as "locations[2].proxy_pass".
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }
