package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol identifies the VPN client used to reach a server.
type Protocol string

const (
	ProtocolOpenVPN   Protocol = "openvpn"
	ProtocolWireGuard Protocol = "wireguard"
)

// ParseProtocol normalises a protocol name as sent by the central service.
func ParseProtocol(value string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "openvpn", "ovpn":
		return ProtocolOpenVPN, nil
	case "wireguard", "wg":
		return ProtocolWireGuard, nil
	default:
		return "", fmt.Errorf("unsupported protocol %q", value)
	}
}

// ServerDescriptor describes a VPN server under test.
type ServerDescriptor struct {
	ID             string   `json:"id" yaml:"id"`
	Provider       string   `json:"provider" yaml:"provider"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	Hostname       string   `json:"hostname" yaml:"hostname"`
	IPAddress      string   `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	Country        string   `json:"country,omitempty" yaml:"country,omitempty"`
	City           string   `json:"city,omitempty" yaml:"city,omitempty"`
	Protocol       Protocol `json:"protocol" yaml:"protocol"`
	Port           int      `json:"port" yaml:"port"`
	CredentialsRef string   `json:"credentials_ref" yaml:"credentials_ref"`
}

// Host returns the address the tunnel should dial. The hostname wins over the
// resolved IP so providers can rotate addresses behind DNS.
func (s ServerDescriptor) Host() string {
	if h := strings.TrimSpace(s.Hostname); h != "" {
		return h
	}
	return strings.TrimSpace(s.IPAddress)
}

// Endpoint renders host:port, bracketing IPv6 literals.
func (s ServerDescriptor) Endpoint() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port))
}
