// Package sandbox validates tool-call path and URL arguments against
// per-agent allow-lists before a tool is permitted to touch them. It fails
// closed: anything not affirmatively allowed is rejected.
package sandbox

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PathError is returned by ValidatePath on any rejection.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string { return fmt.Sprintf("path %q rejected: %s", e.Path, e.Reason) }

// URLError is returned by ValidateURL on any rejection.
type URLError struct {
	URL    string
	Reason string
}

func (e *URLError) Error() string { return fmt.Sprintf("url %q rejected: %s", e.URL, e.Reason) }

// ValidatePath resolves path to a canonical absolute form and verifies it is
// a descendant of at least one entry in allowedRoots. When blockSymlinks is
// set, any symlink component anywhere along the resolved path is rejected.
func ValidatePath(path string, allowedRoots []string, blockSymlinks bool) (string, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return "", &PathError{Path: path, Reason: err.Error()}
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", &PathError{Path: path, Reason: "cannot make absolute: " + err.Error()}
	}
	canonical := filepath.Clean(abs)

	if blockSymlinks {
		for p := canonical; ; p = filepath.Dir(p) {
			if info, err := os.Lstat(p); err == nil && info.Mode()&os.ModeSymlink != 0 {
				return "", &PathError{Path: path, Reason: "resolves through a symlink"}
			}
			if filepath.Dir(p) == p {
				break
			}
		}
	}

	for _, root := range allowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootAbs = filepath.Clean(rootAbs)
		if canonical == rootAbs || strings.HasPrefix(canonical, rootAbs+string(filepath.Separator)) {
			return canonical, nil
		}
	}
	return "", &PathError{Path: path, Reason: "not a descendant of any allowed root"}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// ValidateURL rejects non-http(s) schemes and, when allowHosts is non-empty,
// hosts not in it. When blockPrivateRanges is set it resolves the host and
// rejects any resolved address in a private/reserved range, loopback (unless
// allowLoopback is set), link-local, or known cloud-metadata addresses. A
// port, if present, must be numeric; no port allow-list is applied.
func ValidateURL(rawURL string, allowHosts []string, blockPrivateRanges bool, allowLoopback bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &URLError{URL: rawURL, Reason: "unparsable: " + err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &URLError{URL: rawURL, Reason: "scheme must be http or https"}
	}
	host := u.Hostname()
	if host == "" {
		return "", &URLError{URL: rawURL, Reason: "missing host"}
	}

	if len(allowHosts) > 0 && !hostAllowed(host, allowHosts) {
		return "", &URLError{URL: rawURL, Reason: "host not in allow-list"}
	}

	if blockPrivateRanges {
		addrs := []string{host}
		if ip := net.ParseIP(host); ip == nil {
			if resolved, err := net.LookupHost(host); err == nil {
				addrs = resolved
			}
		}
		for _, addr := range addrs {
			if addr == "127.0.0.1" || addr == "::1" {
				if allowLoopback {
					continue
				}
				return "", &URLError{URL: rawURL, Reason: "loopback address blocked"}
			}
			if isPrivateOrMetadataAddress(addr) {
				return "", &URLError{URL: rawURL, Reason: "resolves to a private or metadata address"}
			}
		}
	}

	if port := u.Port(); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return "", &URLError{URL: rawURL, Reason: "invalid port"}
		}
	}

	return u.String(), nil
}

func hostAllowed(host string, allowHosts []string) bool {
	h := normalizeHostOrIP(host)
	for _, allowed := range allowHosts {
		if normalizeHostOrIP(allowed) == h {
			return true
		}
	}
	return false
}
