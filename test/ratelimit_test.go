package tests

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestRateLimit_Basic(t *testing.T) {
	up := startUpstream(t, "u1")
	listen := freeAddr(t)

	// 1 RPS, burst 1 on /limited; /free shares the upstream without a limit
	startGateway(t, t.TempDir(), fmt.Sprintf(`
listen: %q
upstreams:
  u1:
    servers: [%q]
locations:
  - path: /limited
    type: proxy
    proxy_pass: u1
    rate_limit:
      requests_per_second: 1
      burst: 1
  - path: /free
    type: proxy
    proxy_pass: u1
`, listen, up), listen)
	base := "http://" + listen

	if res := get(t, httpc(), base+"/limited/ping"); res.StatusCode != http.StatusOK {
		t.Fatalf("req1: want 200, got %d", res.StatusCode)
	}

	res := get(t, httpc(), base+"/limited/ping")
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("req2: want 429, got %d", res.StatusCode)
	}
	if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err != nil || secs < 1 {
		t.Fatalf("Retry-After: got %q", res.Header.Get("Retry-After"))
	}

	if res := get(t, httpc(), base+"/free/ping"); res.StatusCode != http.StatusOK {
		t.Fatalf("unlimited location: want 200, got %d", res.StatusCode)
	}

	// wait for token replenishment (1s)
	time.Sleep(1100 * time.Millisecond)

	if res := get(t, httpc(), base+"/limited/ping"); res.StatusCode != http.StatusOK {
		t.Fatalf("req3 (after wait): want 200, got %d", res.StatusCode)
	}
}
