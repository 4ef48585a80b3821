package handler

import (
	"fmt"
	"time"

	"github.com/fabian4/proxy-homebrew-go/internal/config"
	"github.com/fabian4/proxy-homebrew-go/internal/lb"
	"github.com/fabian4/proxy-homebrew-go/internal/model"
	"github.com/fabian4/proxy-homebrew-go/internal/router"
	"github.com/fabian4/proxy-homebrew-go/internal/static"
)

// State is everything a request needs, built from one config. It is never
// mutated after NewState returns; a reload builds a new State and swaps it in.
type State struct {
	Routes          *router.Table
	Upstreams       map[string]model.Upstream
	UpstreamTimeout time.Duration
	AccessLog       config.AccessLog

	balancers map[string]lb.Balancer
	resolvers map[*model.Location]*static.Resolver
}

// NewState validates cfg and builds the routing table, balancers and static
// resolvers. Balancers of groups unchanged since prev are reused so their
// rotation continues across a reload.
func NewState(cfg *config.Config, prev *State) (*State, error) {
	if err := config.Validate(&cfg.Config); err != nil {
		return nil, err
	}

	var prevBalancers map[string]lb.Balancer
	if prev != nil {
		prevBalancers = prev.balancers
	}
	balancers, err := lb.NewPools(cfg.Upstreams, prevBalancers)
	if err != nil {
		return nil, err
	}

	st := &State{
		Routes:          router.New(cfg.Locations),
		Upstreams:       cfg.Upstreams,
		UpstreamTimeout: cfg.Timeouts.Upstream,
		AccessLog:       cfg.AccessLog,
		balancers:       balancers,
		resolvers:       make(map[*model.Location]*static.Resolver),
	}
	for i := 0; i < st.Routes.Len(); i++ {
		loc := st.Routes.At(i)
		sr, ok := loc.Action.(model.StaticRoot)
		if !ok {
			continue
		}
		res, err := static.New(sr.Root, sr.Index)
		if err != nil {
			return nil, fmt.Errorf("location %q: %w", loc.PathPrefix, err)
		}
		st.resolvers[loc] = res
	}
	return st, nil
}

// Balancer returns the balancer of the named upstream group.
func (s *State) Balancer(upstream string) (lb.Balancer, bool) {
	b, ok := s.balancers[upstream]
	return b, ok
}

func (s *State) rateLimitKeys() []string {
	var keys []string
	for _, loc := range s.Routes.Locations() {
		if loc.RateLimit != nil {
			keys = append(keys, loc.PathPrefix)
		}
	}
	return keys
}
