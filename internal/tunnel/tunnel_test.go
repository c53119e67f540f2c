package tunnel

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/pingsantohq/vpnprobe/internal/credentials"
	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const testSessionID = "3f2a9c1e-7b44-4d0a-9e21-5c6f8a1b2c3d"

func ovpnServer() types.ServerDescriptor {
	return types.ServerDescriptor{
		ID:       "srv-fra-1",
		Provider: "examplevpn",
		Hostname: "fra1.examplevpn.net",
		Protocol: types.ProtocolOpenVPN,
		Port:     1194,
	}
}

func wgServer() types.ServerDescriptor {
	return types.ServerDescriptor{
		ID:       "srv-ams-1",
		Provider: "examplevpn",
		Hostname: "ams1.examplevpn.net",
		Protocol: types.ProtocolWireGuard,
		Port:     51820,
	}
}

func wgCreds(t *testing.T) credentials.Credentials {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	peer, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return credentials.Credentials{
		PrivateKey:      priv.String(),
		ServerPublicKey: peer.PublicKey().String(),
	}
}

func TestInterfaceName(t *testing.T) {
	name, err := InterfaceName(testSessionID)
	if err != nil {
		t.Fatalf("interface name: %v", err)
	}
	if name != "vp3f2a9c1e" {
		t.Fatalf("unexpected interface name %q", name)
	}
	if len(name) > 15 {
		t.Fatalf("interface name too long: %q", name)
	}
	if _, err := InterfaceName("ab-c"); err == nil {
		t.Fatalf("expected error for short id")
	}
}

func TestOpenVPNProfileIsDeterministic(t *testing.T) {
	creds := credentials.Credentials{Username: "alice", Password: "s3cret", CACert: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"}
	a, err := OpenVPNProfile(ovpnServer(), creds, "vp00000000", "/run/x.auth")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, _ := OpenVPNProfile(ovpnServer(), creds, "vp00000000", "/run/x.auth")
	if a != b {
		t.Fatalf("expected deterministic output")
	}
	for _, want := range []string{
		"client\n",
		"proto udp\n",
		"remote fra1.examplevpn.net 1194\n",
		"remote-cert-tls server\n",
		"cipher AES-256-GCM\n",
		"auth SHA256\n",
		"auth-user-pass /run/x.auth\n",
		"<ca>\n-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n</ca>\n",
	} {
		if !strings.Contains(a, want) {
			t.Fatalf("profile missing %q:\n%s", want, a)
		}
	}
	if strings.Contains(a, "s3cret") {
		t.Fatalf("profile must not inline the password")
	}
}

func TestOpenVPNProfileWithoutCA(t *testing.T) {
	out, err := OpenVPNProfile(ovpnServer(), credentials.Credentials{Username: "u", Password: "p"}, "vp00000000", "/a")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(out, "<ca>") {
		t.Fatalf("unexpected ca block:\n%s", out)
	}
}

func TestRenderOpenVPNWritesPrivateFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")
	b := NewBuilder(dir)
	files, err := b.Render(ovpnServer(), credentials.Credentials{Username: "alice", Password: "s3cret"}, testSessionID)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if files.Interface != "vp3f2a9c1e" || files.LogPath == "" {
		t.Fatalf("unexpected files: %+v", files)
	}
	auth, err := os.ReadFile(files.AuthPath)
	if err != nil {
		t.Fatalf("read auth: %v", err)
	}
	if string(auth) != "alice\ns3cret\n" {
		t.Fatalf("unexpected auth file %q", auth)
	}
	for _, p := range []string{files.AuthPath, files.ConfigPath} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("%s has mode %o", p, info.Mode().Perm())
		}
	}
	if _, err := os.Stat(files.LogPath); !os.IsNotExist(err) {
		t.Fatalf("log file should be created by the client, not the builder")
	}
	info, err := os.Stat(dir)
	if err != nil || info.Mode().Perm() != 0o700 {
		t.Fatalf("work dir mode: %v %v", info, err)
	}
}

func TestRenderRejectsCollision(t *testing.T) {
	b := NewBuilder(t.TempDir())
	creds := credentials.Credentials{Username: "u", Password: "p"}
	if _, err := b.Render(ovpnServer(), creds, testSessionID); err != nil {
		t.Fatalf("first render: %v", err)
	}
	if _, err := b.Render(ovpnServer(), creds, testSessionID); !errors.Is(err, probeerr.ErrConfigBuild) {
		t.Fatalf("expected collision to fail, got %v", err)
	}
}

func TestRenderFailuresLeaveNothing(t *testing.T) {
	cases := map[string]struct {
		server types.ServerDescriptor
		creds  credentials.Credentials
	}{
		"missing password": {ovpnServer(), credentials.Credentials{Username: "u"}},
		"multiline user":   {ovpnServer(), credentials.Credentials{Username: "u\nx", Password: "p"}},
		"bad port":         {func() types.ServerDescriptor { s := ovpnServer(); s.Port = 0; return s }(), credentials.Credentials{Username: "u", Password: "p"}},
		"no host":          {func() types.ServerDescriptor { s := wgServer(); s.Hostname = ""; return s }(), credentials.Credentials{}},
		"bad wg key":       {wgServer(), credentials.Credentials{PrivateKey: "not-a-key", ServerPublicKey: "also-not"}},
		"missing peer key": {wgServer(), credentials.Credentials{PrivateKey: "aGVsbG8="}},
		"unknown protocol": {types.ServerDescriptor{ID: "x", Hostname: "h", Port: 1, Protocol: "ipsec"}, credentials.Credentials{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := NewBuilder(dir).Render(tc.server, tc.creds, testSessionID)
			if !errors.Is(err, probeerr.ErrConfigBuild) {
				t.Fatalf("expected ErrConfigBuild, got %v", err)
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Fatalf("expected empty work dir, found %d entries", len(entries))
			}
		})
	}
}

func TestWireGuardRoundTrip(t *testing.T) {
	creds := wgCreds(t)
	b := NewBuilder(t.TempDir())
	files, err := b.Render(wgServer(), creds, testSessionID)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if files.AuthPath != "" || files.LogPath != "" {
		t.Fatalf("wireguard should not produce auth or log files: %+v", files)
	}
	if filepath.Base(files.ConfigPath) != files.Interface+".conf" {
		t.Fatalf("config name must match interface: %+v", files)
	}
	info, err := os.Stat(files.ConfigPath)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode: %v %v", info, err)
	}

	f, err := os.Open(files.ConfigPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	parsed, err := ParseWireGuard(f)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := WireGuardConfig{
		PrivateKey:          creds.PrivateKey,
		Address:             []string{DefaultWireGuardAddress},
		DNS:                 []string{DefaultWireGuardDNS},
		PublicKey:           creds.ServerPublicKey,
		Endpoint:            "ams1.examplevpn.net:51820",
		AllowedIPs:          []string{"0.0.0.0/0", "::/0"},
		PersistentKeepalive: 25,
	}
	if diff := cmp.Diff(want, parsed); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWireGuardProfileHonoursAddressAndDNS(t *testing.T) {
	creds := wgCreds(t)
	creds.Address = "10.64.0.7/32, fd00::7/128"
	creds.DNS = "10.64.0.1"
	out, err := WireGuardProfile(wgServer(), creds)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	parsed, err := ParseWireGuard(strings.NewReader(out))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff([]string{"10.64.0.7/32", "fd00::7/128"}, parsed.Address); diff != "" {
		t.Fatalf("address mismatch: %s", diff)
	}
	if len(parsed.DNS) != 1 || parsed.DNS[0] != "10.64.0.1" {
		t.Fatalf("unexpected dns %v", parsed.DNS)
	}

	creds.Address = "10.64.0.7"
	if _, err := WireGuardProfile(wgServer(), creds); !errors.Is(err, probeerr.ErrConfigBuild) {
		t.Fatalf("expected bare address to be rejected, got %v", err)
	}
}

func TestParseWireGuardRejectsMultiplePeers(t *testing.T) {
	input := "[Interface]\nPrivateKey = x\n[Peer]\nPublicKey = a\n[Peer]\nPublicKey = b\n"
	if _, err := ParseWireGuard(strings.NewReader(input)); err == nil {
		t.Fatalf("expected multiple peers to fail")
	}
}

func TestFilesPaths(t *testing.T) {
	f := Files{ConfigPath: "/a.conf", LogPath: "/a.log"}
	if diff := cmp.Diff([]string{"/a.conf", "/a.log"}, f.Paths()); diff != "" {
		t.Fatalf("paths mismatch: %s", diff)
	}
}
