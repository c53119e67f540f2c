package tunnel

import (
	"fmt"
	"strings"

	"github.com/pingsantohq/vpnprobe/internal/credentials"
	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

// OpenVPNProfile renders a client profile that reads its credentials from authPath.
func OpenVPNProfile(server types.ServerDescriptor, creds credentials.Credentials, iface, authPath string) (string, error) {
	if err := validateEndpoint(server); err != nil {
		return "", err
	}
	if err := requireLine("username", creds.Username); err != nil {
		return "", err
	}
	if err := requireLine("password", creds.Password); err != nil {
		return "", err
	}
	if strings.Contains(creds.CACert, "</ca>") {
		return "", fmt.Errorf("%w: ca_cert contains a closing tag", probeerr.ErrConfigBuild)
	}

	var b strings.Builder
	lines := []string{
		"client",
		"dev " + iface,
		"dev-type tun",
		"proto udp",
		fmt.Sprintf("remote %s %d", server.Host(), server.Port),
		"resolv-retry infinite",
		"nobind",
		"persist-key",
		"persist-tun",
		"remote-cert-tls server",
		"cipher AES-256-GCM",
		"auth SHA256",
		"verb 3",
		"auth-user-pass " + authPath,
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if ca := strings.TrimSpace(creds.CACert); ca != "" {
		b.WriteString("<ca>\n")
		b.WriteString(ca)
		b.WriteString("\n</ca>\n")
	}
	return b.String(), nil
}

// OpenVPNAuth renders the two line auth-user-pass file.
func OpenVPNAuth(creds credentials.Credentials) string {
	return creds.Username + "\n" + creds.Password + "\n"
}
