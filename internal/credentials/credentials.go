// Package credentials resolves opaque credential references into the secret
// material a tunnel needs.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pingsantohq/vpnprobe/internal/probeerr"
)

const redacted = "credentials{redacted}"

// Credentials is the protocol dependent secret bag for one server.
// OpenVPN uses Username, Password and CACert; WireGuard uses the key fields.
type Credentials struct {
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	CACert          string `json:"ca_cert,omitempty"`
	PrivateKey      string `json:"private_key,omitempty"`
	ServerPublicKey string `json:"server_public_key,omitempty"`
	Address         string `json:"address,omitempty"`
	DNS             string `json:"dns,omitempty"`
}

func (c Credentials) String() string   { return redacted }
func (c Credentials) GoString() string { return redacted }

// Wipe clears every field in place.
func (c *Credentials) Wipe() {
	*c = Credentials{}
}

// Store resolves a credential reference. Implementations are read-only and
// must not cache secrets across calls.
type Store interface {
	Fetch(ctx context.Context, ref string) (Credentials, error)
}

func decode(ref string, payload []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		// the decoder error can quote secret bytes, so it is not wrapped
		return Credentials{}, fmt.Errorf("decode credentials %q: invalid json", ref)
	}
	return creds, nil
}

// validRef expects a ref already trimmed by the caller.
func validRef(ref string) bool {
	if ref == "" || ref == "." || strings.Contains(ref, "..") {
		return false
	}
	return !strings.ContainsAny(ref, `/\`)
}

func notFound(ref string) error {
	return fmt.Errorf("%w: %q", probeerr.ErrCredentialNotFound, ref)
}
