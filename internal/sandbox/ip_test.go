package sandbox

import "testing"

func TestNormalizeHostOrIP(t *testing.T) {
	tests := []struct{ input, expected string }{
		{"example.com", "example.com"},
		{"  example.com  ", "example.com"},
		{"EXAMPLE.COM", "example.com"},
		{"example.com.", "example.com"},
		{"[::1]", "::1"},
		{"[fe80::1]", "fe80::1"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := normalizeHostOrIP(tc.input); got != tc.expected {
				t.Errorf("normalizeHostOrIP(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseIPv4(t *testing.T) {
	tests := []struct {
		input    string
		expected [4]byte
		ok       bool
	}{
		{"192.168.1.1", [4]byte{192, 168, 1, 1}, true},
		{"0.0.0.0", [4]byte{0, 0, 0, 0}, true},
		{"255.255.255.255", [4]byte{255, 255, 255, 255}, true},
		{"256.1.1.1", [4]byte{}, false},
		{"1.1.1", [4]byte{}, false},
		{"a.b.c.d", [4]byte{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, ok := parseIPv4(tc.input)
			if ok != tc.ok {
				t.Fatalf("parseIPv4(%q) ok = %v, want %v", tc.input, ok, tc.ok)
			}
			if ok && got != tc.expected {
				t.Errorf("parseIPv4(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestIsPrivateOrMetadataAddress(t *testing.T) {
	tests := []struct {
		address   string
		isPrivate bool
	}{
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true}, // cloud metadata
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
		{"fe80::1", true},
		{"2001:4860:4860::8888", false},
		{"::ffff:10.0.0.1", true},
	}
	for _, tc := range tests {
		t.Run(tc.address, func(t *testing.T) {
			if got := isPrivateOrMetadataAddress(tc.address); got != tc.isPrivate {
				t.Errorf("isPrivateOrMetadataAddress(%q) = %v, want %v", tc.address, got, tc.isPrivate)
			}
		})
	}
}
