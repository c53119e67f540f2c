package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/pingsantohq/vpnprobe/internal/credentials"
	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	DefaultWireGuardAddress = "10.0.0.2/32"
	DefaultWireGuardDNS     = "1.1.1.1"
	wireGuardKeepalive      = 25
)

var defaultAllowedIPs = []string{"0.0.0.0/0", "::/0"}

// WireGuardConfig is the subset of a wg-quick profile the probe writes.
type WireGuardConfig struct {
	PrivateKey          string
	Address             []string
	DNS                 []string
	PublicKey           string
	Endpoint            string
	AllowedIPs          []string
	PersistentKeepalive int
}

// WireGuardProfile renders a wg-quick profile routing all traffic through the peer.
func WireGuardProfile(server types.ServerDescriptor, creds credentials.Credentials) (string, error) {
	if err := validateEndpoint(server); err != nil {
		return "", err
	}
	privateKey, err := parseKey("private_key", creds.PrivateKey)
	if err != nil {
		return "", err
	}
	publicKey, err := parseKey("server_public_key", creds.ServerPublicKey)
	if err != nil {
		return "", err
	}
	address := orDefault(creds.Address, DefaultWireGuardAddress)
	for _, a := range splitList(address) {
		if _, err := netip.ParsePrefix(a); err != nil {
			return "", fmt.Errorf("%w: address %q is not a prefix", probeerr.ErrConfigBuild, a)
		}
	}
	dns := orDefault(creds.DNS, DefaultWireGuardDNS)
	if err := requireLine("dns", dns); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	fmt.Fprintf(&b, "Address = %s\n", address)
	fmt.Fprintf(&b, "DNS = %s\n", dns)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", publicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", server.Endpoint())
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(defaultAllowedIPs, ", "))
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", wireGuardKeepalive)
	return b.String(), nil
}

// ParseWireGuard reads a single-peer wg-quick profile.
func ParseWireGuard(r io.Reader) (WireGuardConfig, error) {
	var cfg WireGuardConfig
	section := ""
	peers := 0
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			if section == "peer" {
				peers++
				if peers > 1 {
					return WireGuardConfig{}, fmt.Errorf("line %d: multiple peers", lineNum)
				}
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return WireGuardConfig{}, fmt.Errorf("line %d: invalid format", lineNum)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch section + "." + key {
		case "interface.privatekey":
			cfg.PrivateKey = value
		case "interface.address":
			cfg.Address = splitList(value)
		case "interface.dns":
			cfg.DNS = splitList(value)
		case "peer.publickey":
			cfg.PublicKey = value
		case "peer.endpoint":
			cfg.Endpoint = value
		case "peer.allowedips":
			cfg.AllowedIPs = splitList(value)
		case "peer.persistentkeepalive":
			n, err := strconv.Atoi(value)
			if err != nil {
				return WireGuardConfig{}, fmt.Errorf("line %d: invalid keepalive %q", lineNum, value)
			}
			cfg.PersistentKeepalive = n
		}
	}
	if err := scanner.Err(); err != nil {
		return WireGuardConfig{}, fmt.Errorf("scan config: %w", err)
	}
	return cfg, nil
}

func parseKey(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: missing %s", probeerr.ErrConfigBuild, field)
	}
	key, err := wgtypes.ParseKey(value)
	if err != nil {
		return "", fmt.Errorf("%w: invalid %s", probeerr.ErrConfigBuild, field)
	}
	return key.String(), nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orDefault(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}
