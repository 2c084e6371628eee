package realip

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromSpecialHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("CF-Connecting-IP", "203.0.113.42")
	r.RemoteAddr = "10.0.0.1:12345"
	if got := From(r); got != "203.0.113.42" {
		t.Errorf("From() = %q, want 203.0.113.42", got)
	}
}

func TestFromChainHeaderSkipsPrivate(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.5, 192.168.1.1, 203.0.113.42, 8.8.8.8")
	if got := From(r); got != "203.0.113.42" {
		t.Errorf("From() = %q, want 203.0.113.42", got)
	}
}

func TestFromFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:54321"
	if got := From(r); got != "198.51.100.7" {
		t.Errorf("From() = %q, want 198.51.100.7", got)
	}
}

func TestFromAllChainEntriesPrivate(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.5, 192.168.1.1")
	r.RemoteAddr = "172.16.5.5:80"
	if got := From(r); got != "172.16.5.5" {
		t.Errorf("From() = %q, want fallback to remote addr", got)
	}
}

func TestAnonymizeIPv4(t *testing.T) {
	got := Anonymize("203.0.113.42")
	if got != "203.0.113.0" {
		t.Errorf("Anonymize() = %q, want 203.0.113.0", got)
	}
}

func TestAnonymizeIPv6(t *testing.T) {
	got := Anonymize("2001:db8:85a3:8d3:1319:8a2e:370:7348")
	want := "2001:db8:85a3::"
	if got != want {
		t.Errorf("Anonymize() = %q, want %q", got, want)
	}
}

func TestAnonymizeIdempotent(t *testing.T) {
	once := Anonymize("203.0.113.42")
	twice := Anonymize(once)
	if once != twice {
		t.Errorf("Anonymize() not idempotent: %q vs %q", once, twice)
	}
}

func TestAnonymizeUnparseable(t *testing.T) {
	if got := Anonymize("not-an-ip"); got != "not-an-ip" {
		t.Errorf("Anonymize() = %q, want unchanged", got)
	}
}

func TestIsPrivate(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":    true,
		"10.1.2.3":     true,
		"172.20.0.1":   true,
		"192.168.0.1":  true,
		"169.254.1.1":  true,
		"8.8.8.8":      false,
		"203.0.113.42": false,
		"::1":          true,
		"fe80::1":      true,
	}
	for ip, want := range cases {
		got := IsPrivate(net.ParseIP(ip))
		if got != want {
			t.Errorf("IsPrivate(%s) = %v, want %v", ip, got, want)
		}
	}
}
