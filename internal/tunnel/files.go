// Package tunnel renders the client configuration files for a VPN session.
package tunnel

import (
	"fmt"
	"path/filepath"
	"strings"
)

const interfacePrefix = "vp"

// ProfilePattern matches the session profiles Render writes into a work dir.
const ProfilePattern = interfacePrefix + "*.conf"

// Files lists the paths and interface name owned by one session.
// AuthPath and LogPath are only set for OpenVPN.
type Files struct {
	Interface  string
	ConfigPath string
	AuthPath   string
	LogPath    string
}

// Paths returns every file path that cleanup must remove.
func (f Files) Paths() []string {
	paths := make([]string, 0, 3)
	for _, p := range []string{f.ConfigPath, f.AuthPath, f.LogPath} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// InterfaceName derives a per-session network interface name, short enough
// for the 15 byte Linux limit.
func InterfaceName(sessionID string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(sessionID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	if b.Len() < 8 {
		return "", fmt.Errorf("session id %q too short for interface name", sessionID)
	}
	return interfacePrefix + b.String(), nil
}

func layout(workDir, iface string, withAuth bool) Files {
	f := Files{
		Interface:  iface,
		ConfigPath: filepath.Join(workDir, iface+".conf"),
	}
	if withAuth {
		f.AuthPath = filepath.Join(workDir, iface+".auth")
		f.LogPath = filepath.Join(workDir, iface+".log")
	}
	return f
}
