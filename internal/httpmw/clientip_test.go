package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func resolveFor(t *testing.T, remoteAddr, xff string, hops int) (ip string, xffAfter string) {
	t.Helper()

	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
		xffAfter = r.Header.Get("X-Forwarded-For")
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}

	ClientIPWithOptions(ClientIPOptions{TrustedHops: hops})(handler).
		ServeHTTP(httptest.NewRecorder(), req)
	return got, xffAfter
}

func TestClientIP_DirectConnection(t *testing.T) {
	ip, _ := resolveFor(t, "203.0.113.9:51234", "", 0)
	if ip != "203.0.113.9" {
		t.Fatalf("ip = %q, want 203.0.113.9", ip)
	}
}

func TestClientIP_PublicPeerIgnoresForwarded(t *testing.T) {
	// A public peer claiming a forwarded chain is spoofing; use the socket
	// address and strip the header.
	ip, xff := resolveFor(t, "203.0.113.9:51234", "10.0.0.1", 1)
	if ip != "203.0.113.9" {
		t.Fatalf("ip = %q, want socket peer", ip)
	}
	if xff != "" {
		t.Fatalf("X-Forwarded-For not stripped: %q", xff)
	}
}

func TestClientIP_TrustedProxy(t *testing.T) {
	ip, _ := resolveFor(t, "10.0.0.5:443", "198.51.100.7", 1)
	if ip != "198.51.100.7" {
		t.Fatalf("ip = %q, want forwarded client", ip)
	}
}

func TestClientIP_TwoHops(t *testing.T) {
	// CDN + LB: the client entry is second from the end.
	ip, _ := resolveFor(t, "10.0.0.5:443", "198.51.100.7, 172.16.0.2", 2)
	if ip != "198.51.100.7" {
		t.Fatalf("ip = %q, want 198.51.100.7", ip)
	}
}

func TestClientIP_ShortChainFailsClosed(t *testing.T) {
	// Fewer XFF entries than configured proxies means the chain is not what
	// we deployed; fall back to the socket peer.
	ip, xff := resolveFor(t, "10.0.0.5:443", "198.51.100.7", 3)
	if ip != "10.0.0.5" {
		t.Fatalf("ip = %q, want socket peer", ip)
	}
	if xff != "" {
		t.Fatalf("X-Forwarded-For not stripped: %q", xff)
	}
}

func TestClientIP_GarbageForwardedEntry(t *testing.T) {
	ip, _ := resolveFor(t, "10.0.0.5:443", "not-an-ip", 1)
	if ip != "10.0.0.5" {
		t.Fatalf("ip = %q, want socket peer", ip)
	}
}

func TestClientIP_PrivatePeerNoHopsConfigured(t *testing.T) {
	ip, _ := resolveFor(t, "10.0.0.5:443", "198.51.100.7", 0)
	if ip != "10.0.0.5" {
		t.Fatalf("ip = %q, want socket peer when hops=0", ip)
	}
}

func TestClientIP_MissingRemoteAddr(t *testing.T) {
	ip, _ := resolveFor(t, "", "", 0)
	if ip != "0.0.0.0" {
		t.Fatalf("ip = %q, want 0.0.0.0", ip)
	}
}

func TestClientIPFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := ClientIPFromContext(req.Context()); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
