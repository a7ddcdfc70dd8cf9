package sandbox

import (
	"strconv"
	"strings"
)

var privateIPv6Prefixes = []string{"fe80:", "fec0:", "fc", "fd"}

// cloudMetadataAddresses are blocked even when they would not otherwise
// parse as a private/reserved range (e.g. AWS/GCP/Azure IMDS).
var cloudMetadataAddresses = map[string]bool{
	"169.254.169.254": true,
	"fd00:ec2::254":   true,
}

func normalizeHostOrIP(s string) string {
	n := strings.TrimSpace(s)
	n = strings.ToLower(n)
	n = strings.TrimSuffix(n, ".")
	if strings.HasPrefix(n, "[") && strings.HasSuffix(n, "]") {
		n = n[1 : len(n)-1]
	}
	return n
}

func parseIPv4(address string) ([4]byte, bool) {
	var result [4]byte
	parts := strings.Split(address, ".")
	if len(parts) != 4 {
		return result, false
	}
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 || v > 255 {
			return result, false
		}
		result[i] = byte(v)
	}
	return result, true
}

func parseIPv4FromMappedIPv6(mapped string) ([4]byte, bool) {
	var result [4]byte
	if strings.Contains(mapped, ".") {
		return parseIPv4(mapped)
	}
	var parts []string
	for _, p := range strings.Split(mapped, ":") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	switch len(parts) {
	case 1:
		v, err := strconv.ParseUint(parts[0], 16, 32)
		if err != nil {
			return result, false
		}
		result[0] = byte(v >> 24)
		result[1] = byte(v >> 16)
		result[2] = byte(v >> 8)
		result[3] = byte(v)
		return result, true
	case 2:
		high, err1 := strconv.ParseUint(parts[0], 16, 16)
		low, err2 := strconv.ParseUint(parts[1], 16, 16)
		if err1 != nil || err2 != nil {
			return result, false
		}
		v := (high << 16) + low
		result[0] = byte(v >> 24)
		result[1] = byte(v >> 16)
		result[2] = byte(v >> 8)
		result[3] = byte(v)
		return result, true
	default:
		return result, false
	}
}

// isPrivateIPv4 reports whether a 4-octet IPv4 address falls in a
// private/reserved range: 0/8, 10/8, 127/8, 169.254/16, 172.16/12,
// 192.168/16, or 100.64/10 (carrier-grade NAT).
func isPrivateIPv4(b [4]byte) bool {
	switch {
	case b[0] == 0, b[0] == 10, b[0] == 127:
		return true
	case b[0] == 169 && b[1] == 254:
		return true
	case b[0] == 172 && b[1] >= 16 && b[1] <= 31:
		return true
	case b[0] == 192 && b[1] == 168:
		return true
	case b[0] == 100 && b[1] >= 64 && b[1] <= 127:
		return true
	default:
		return false
	}
}

// isPrivateOrMetadataAddress reports whether address (IPv4 or IPv6,
// optionally bracketed) is private, reserved, loopback, link-local, or a
// known cloud-metadata address.
func isPrivateOrMetadataAddress(address string) bool {
	n := normalizeHostOrIP(address)
	if n == "" {
		return false
	}
	if cloudMetadataAddresses[n] {
		return true
	}
	if strings.HasPrefix(n, "::ffff:") {
		if ipv4, ok := parseIPv4FromMappedIPv6(n[len("::ffff:"):]); ok {
			return isPrivateIPv4(ipv4)
		}
	}
	if strings.Contains(n, ":") {
		if n == "::" || n == "::1" {
			return true
		}
		for _, prefix := range privateIPv6Prefixes {
			if strings.HasPrefix(n, prefix) {
				return true
			}
		}
		return false
	}
	if ipv4, ok := parseIPv4(n); ok {
		return isPrivateIPv4(ipv4)
	}
	return false
}
