package control

import (
	"fmt"
	"testing"

	"github.com/essajiwa/hooklab/internal/logging"
	"github.com/essajiwa/hooklab/internal/server/registry"
)

func TestPortAllocatorAllocateSkipsUsedPorts(t *testing.T) {
	reg := registry.NewRegistry()
	if err := reg.Register(&registry.TunnelInfo{
		ID:         "t-used",
		ClientID:   "client",
		PublicPort: 30001,
	}); err != nil {
		t.Fatalf("failed to register existing port: %v", err)
	}

	allocator := &portAllocator{start: 30000, end: 30002, next: 30000}

	got := make(map[int]bool)
	for i := 0; i < 2; i++ {
		port, err := allocator.allocate(reg)
		if err != nil {
			t.Fatalf("allocate failed on iteration %d: %v", i, err)
		}
		if port < 30000 || port > 30002 {
			t.Fatalf("allocated port %d outside expected range", port)
		}
		if got[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		got[port] = true

		// Mark the newly allocated port as used inside the registry so the allocator advances.
		if err := reg.Register(&registry.TunnelInfo{
			ID:         fmt.Sprintf("tunnel-%d", i),
			ClientID:   "client",
			PublicPort: port,
		}); err != nil {
			t.Fatalf("failed to register allocated port: %v", err)
		}
	}

	if !got[30000] || !got[30002] {
		t.Fatalf("expected allocator to cover remaining free ports, got %+v", got)
	}
}

func TestPortAllocatorAllocateExhaustedRange(t *testing.T) {
	reg := registry.NewRegistry()
	if err := reg.Register(&registry.TunnelInfo{
		ID:         "only",
		ClientID:   "client",
		PublicPort: 40000,
	}); err != nil {
		t.Fatalf("failed to reserve only port: %v", err)
	}

	allocator := &portAllocator{start: 40000, end: 40000, next: 40000}
	if _, err := allocator.allocate(reg); err == nil {
		t.Fatal("expected allocation to fail when range is exhausted")
	}
}

func TestParsePortRange(t *testing.T) {
	start, end, err := parsePortRange(" 30000 - 30100 ")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if start != 30000 || end != 30100 {
		t.Fatalf("unexpected range %d-%d", start, end)
	}

	for _, r := range []string{"", "30000", "a-b", "30100-30000", "0-10", "60000-70000"} {
		if _, _, err := parsePortRange(r); err == nil {
			t.Fatalf("expected %q to be rejected", r)
		}
	}
}

func TestHTTPURL(t *testing.T) {
	tests := []struct {
		scheme string
		port   int
		want   string
	}{
		{"https", 0, "https://abc123.example-broker.io"},
		{"https", 443, "https://abc123.example-broker.io"},
		{"http", 80, "http://abc123.example-broker.io"},
		{"http", 8080, "http://abc123.example-broker.io:8080"},
	}

	for _, tt := range tests {
		h := NewHandler(registry.NewRegistry(), nil, nil, Options{
			Domain:       "example-broker.io",
			PublicScheme: tt.scheme,
			PublicPort:   tt.port,
		}, logging.Discard())
		if got := h.httpURL("abc123"); got != tt.want {
			t.Errorf("httpURL(%s, %d) = %q, want %q", tt.scheme, tt.port, got, tt.want)
		}
	}
}

func TestSubdomainPattern(t *testing.T) {
	for _, s := range []string{"a", "demo", "my-app", "abc123"} {
		if !subdomainPattern.MatchString(s) {
			t.Errorf("expected %q to be accepted", s)
		}
	}
	for _, s := range []string{"-demo", "demo-", "my.app", "MyApp", "a_b"} {
		if subdomainPattern.MatchString(s) {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}
