package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPForwardedHeaderTrust(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"172.16.0.0/12", "2001:db8::1"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}

	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "direct client, forwarded header ignored",
			remoteAddr: "203.0.113.40:52100",
			forwarded:  "198.51.100.9",
			trusted:    trusted,
			want:       "203.0.113.40",
		},
		{
			name:       "no trust configured at all",
			remoteAddr: "172.16.3.3:52100",
			forwarded:  "198.51.100.9",
			want:       "172.16.3.3",
		},
		{
			name:       "behind one trusted proxy",
			remoteAddr: "172.16.3.3:52100",
			forwarded:  "198.51.100.9",
			trusted:    trusted,
			want:       "198.51.100.9",
		},
		{
			name:       "rightmost untrusted hop wins",
			remoteAddr: "172.16.3.3:52100",
			forwarded:  "198.51.100.9, 172.16.7.7",
			trusted:    trusted,
			want:       "198.51.100.9",
		},
		{
			name:       "entirely trusted chain falls back to first hop",
			remoteAddr: "172.16.3.3:52100",
			forwarded:  "172.16.1.1, 172.16.2.2",
			trusted:    trusted,
			want:       "172.16.1.1",
		},
		{
			name:       "garbage forwarded header falls back to peer",
			remoteAddr: "172.16.3.3:52100",
			forwarded:  "not-an-address",
			trusted:    trusted,
			want:       "172.16.3.3",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/github/process", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxiesParsing(t *testing.T) {
	if tp, err := NewTrustedProxies(nil); err != nil || tp != nil {
		t.Fatalf("empty input should yield nil, got %v err %v", tp, err)
	}
	if _, err := NewTrustedProxies([]string{"172.16.0.0/12", " 10.1.2.3 "}); err != nil {
		t.Fatalf("valid entries rejected: %v", err)
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatalf("expected error for bad mask")
	}
	if _, err := NewTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Fatalf("expected error for hostname entry")
	}
}
