package tunnel

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pingsantohq/vpnprobe/internal/credentials"
	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

// Builder writes rendered profiles into a private work directory.
type Builder struct {
	workDir string
}

func NewBuilder(workDir string) *Builder {
	return &Builder{workDir: workDir}
}

// Render writes the files for one session and returns their layout. On error
// nothing rendered by this call is left on disk.
func (b *Builder) Render(server types.ServerDescriptor, creds credentials.Credentials, sessionID string) (Files, error) {
	iface, err := InterfaceName(sessionID)
	if err != nil {
		return Files{}, fmt.Errorf("%w: %v", probeerr.ErrConfigBuild, err)
	}
	if err := os.MkdirAll(b.workDir, 0o700); err != nil {
		return Files{}, fmt.Errorf("%w: ensure work dir: %v", probeerr.ErrConfigBuild, err)
	}

	switch server.Protocol {
	case types.ProtocolOpenVPN:
		files := layout(b.workDir, iface, true)
		profile, err := OpenVPNProfile(server, creds, iface, files.AuthPath)
		if err != nil {
			return Files{}, err
		}
		if err := writePrivate(files.AuthPath, OpenVPNAuth(creds)); err != nil {
			return Files{}, err
		}
		if err := writePrivate(files.ConfigPath, profile); err != nil {
			_ = os.Remove(files.AuthPath)
			return Files{}, err
		}
		return files, nil
	case types.ProtocolWireGuard:
		files := layout(b.workDir, iface, false)
		profile, err := WireGuardProfile(server, creds)
		if err != nil {
			return Files{}, err
		}
		if err := writePrivate(files.ConfigPath, profile); err != nil {
			return Files{}, err
		}
		return files, nil
	default:
		return Files{}, fmt.Errorf("%w: unsupported protocol %q", probeerr.ErrConfigBuild, server.Protocol)
	}
}

func writePrivate(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", probeerr.ErrConfigBuild, path, err)
	}
	_, werr := f.WriteString(content)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("%w: write %s: %v", probeerr.ErrConfigBuild, path, err)
	}
	return nil
}

func validateEndpoint(server types.ServerDescriptor) error {
	host := server.Host()
	if host == "" {
		return fmt.Errorf("%w: server %q has no hostname", probeerr.ErrConfigBuild, server.ID)
	}
	if strings.ContainsAny(host, " \t\r\n\"'") {
		return fmt.Errorf("%w: server %q hostname is malformed", probeerr.ErrConfigBuild, server.ID)
	}
	if server.Port < 1 || server.Port > 65535 {
		return fmt.Errorf("%w: server %q port %d out of range", probeerr.ErrConfigBuild, server.ID, server.Port)
	}
	return nil
}

func requireLine(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing %s", probeerr.ErrConfigBuild, field)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %s spans multiple lines", probeerr.ErrConfigBuild, field)
	}
	return nil
}
