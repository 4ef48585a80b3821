package tests

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// TestTLS_E2E runs the gateway with a TLS listener and a self-signed
// certificate generated by openssl.
func TestTLS_E2E(t *testing.T) {
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not available")
	}
	up := startUpstream(t, "u1")
	listen := freeAddr(t)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")

	cmd := exec.Command("openssl", "req", "-x509", "-newkey", "rsa:2048",
		"-keyout", keyFile, "-out", certFile, "-days", "1", "-nodes",
		"-subj", "/CN=example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("openssl failed: %v\n%s", err, out)
	}

	// cert paths are relative to the config file
	startGateway(t, dir, fmt.Sprintf(`
listen: %q
ssl: true
ssl_cert: server.crt
ssl_key: server.key
upstreams:
  s1:
    servers: [%q]
locations:
  - path: /
    type: proxy
    proxy_pass: s1
`, listen, up), listen)

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "example.com"},
		},
	}
	res := get(t, client, "https://"+listen+"/hello")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: want 200, got %d", res.StatusCode)
	}
	if res.TLS == nil || res.TLS.PeerCertificates[0].Subject.CommonName != "example.com" {
		t.Fatal("response was not served with the configured certificate")
	}
	if got := res.Header.Get("X-Seen-XFP"); got != "https" {
		t.Fatalf("X-Forwarded-Proto: want https, got %q", got)
	}

	// plaintext on the TLS port fails
	if res, err := httpc().Get("http://" + listen + "/hello"); err == nil {
		_ = res.Body.Close()
		if res.StatusCode == http.StatusOK {
			t.Fatal("plaintext request succeeded on the TLS listener")
		}
	}
}
