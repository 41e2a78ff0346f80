package linkpreview

import (
	"net/netip"
	"testing"
)

func TestForbiddenAddr(t *testing.T) {
	cases := []struct {
		addr      string
		forbidden bool
	}{
		{"127.0.0.1", true},          // loopback
		{"10.1.2.3", true},           // private
		{"172.16.0.1", true},         // private
		{"192.168.1.1", true},        // private
		{"169.254.169.254", true},    // link-local / cloud metadata
		{"100.64.0.1", true},         // CGNAT
		{"192.0.2.10", true},         // documentation
		{"198.51.100.10", true},      // documentation
		{"203.0.113.10", true},       // documentation
		{"::1", true},                // v6 loopback
		{"fd00::1", true},            // ULA
		{"fe80::1", true},            // v6 link-local
		{"2001:db8::1", true},        // v6 documentation
		{"::ffff:10.0.0.1", true},    // v4-mapped private
		{"::ffff:127.0.0.1", true},   // v4-mapped loopback
		{"93.184.216.34", false},     // public v4
		{"2606:2800:220:1::1", false}, // public v6
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		addr := netip.MustParseAddr(c.addr)
		if got := ForbiddenAddr(addr); got != c.forbidden {
			t.Errorf("ForbiddenAddr(%s) = %v, want %v", c.addr, got, c.forbidden)
		}
	}
}
