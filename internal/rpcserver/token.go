package rpcserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// generateToken produces a random 32-byte bearer token, hex-encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rpcserver: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// tokenFilePath returns the path a port-scoped bearer token is written to:
// rpc-<port>.token under the user's config directory.
func tokenFilePath(port string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("rpcserver: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("rpc-%s.token", port)), nil
}

// writeTokenFile persists token for port with mode 0600 so only the owning
// user can read it.
func writeTokenFile(port, token string) (string, error) {
	path, err := tokenFilePath(port)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("rpcserver: write token file: %w", err)
	}
	return path, nil
}

// authorize reports whether r carries a valid Bearer token, compared in
// constant time against the server's token so a mismatching token cannot be
// distinguished from a correct one by timing.
func (s *Server) authorize(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.token)) == 1
}
