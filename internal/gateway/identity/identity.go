// Package identity derives the stable device fingerprint this installation
// presents to the gateway.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"strings"
	"sync"
)

var (
	once   sync.Once
	cached string
)

// DeviceID returns the stable device identifier, computed once and cached for
// the process lifetime. If the identity file exists its first non-empty line
// wins; otherwise the id is derived deterministically from host and user name.
func DeviceID(identityFile string) string {
	once.Do(func() {
		cached = Compute(identityFile)
	})
	return cached
}

// Compute resolves the device identifier without caching. Exposed separately
// so tests can exercise both sources.
func Compute(identityFile string) string {
	if identityFile != "" {
		if data, err := os.ReadFile(identityFile); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if id := strings.TrimSpace(line); id != "" {
					return id
				}
			}
		}
	}
	return Derive(hostname(), username())
}

// Derive builds a deterministic identifier from host and user name.
func Derive(host, userName string) string {
	sum := sha256.Sum256([]byte(host + "|" + userName))
	return "device-" + hex.EncodeToString(sum[:])[:32]
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown-host"
}

func username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown-user"
}
