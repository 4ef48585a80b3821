package lb

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

// Strategy names a selection policy.
type Strategy string

const RoundRobin Strategy = "roundrobin"

var (
	ErrNoServers       = errors.New("lb: upstream has no servers")
	ErrUnknownStrategy = errors.New("lb: unknown strategy")
)

// ParseStrategy normalizes a configured strategy name. Empty means RoundRobin.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "roundrobin", "round-robin", "round_robin":
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Balancer picks the server for the next request. Implementations are safe
// for concurrent use; selection state is private to the balancer.
type Balancer interface {
	Select() string
	Servers() []string
	Strategy() Strategy
}

// New builds a balancer over servers. The slice is copied.
func New(strategy Strategy, servers []string) (Balancer, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	switch strategy {
	case RoundRobin, "":
		return &roundRobin{servers: slices.Clone(servers)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// roundRobin cycles through servers in order. cursor always holds the index
// of the server the next Select returns and stays within [0, len(servers)).
type roundRobin struct {
	servers []string
	cursor  atomic.Uint32
}

func (b *roundRobin) Select() string {
	n := uint32(len(b.servers))
	for {
		cur := b.cursor.Load()
		if b.cursor.CompareAndSwap(cur, (cur+1)%n) {
			return b.servers[cur]
		}
	}
}

func (b *roundRobin) Servers() []string  { return slices.Clone(b.servers) }
func (b *roundRobin) Strategy() Strategy { return RoundRobin }

// NewPools builds one balancer per upstream group. A group whose strategy and
// server list are unchanged from prev keeps its balancer, so a config reload
// does not reset its rotation.
func NewPools(ups map[string]model.Upstream, prev map[string]Balancer) (map[string]Balancer, error) {
	out := make(map[string]Balancer, len(ups))
	for name, u := range ups {
		strategy, err := ParseStrategy(u.Strategy)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", name, err)
		}
		if old, ok := prev[name]; ok && old.Strategy() == strategy && slices.Equal(old.Servers(), u.Servers) {
			out[name] = old
			continue
		}
		b, err := New(strategy, u.Servers)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}
