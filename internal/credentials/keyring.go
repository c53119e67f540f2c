package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const DefaultKeyringService = "vpnprobe"

// KeyringStore reads credential documents from the OS keyring. The account
// name is the reference and the secret is the JSON document.
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Fetch(ctx context.Context, ref string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	ref = strings.TrimSpace(ref)
	if !validRef(ref) {
		return Credentials{}, notFound(ref)
	}
	secret, err := keyring.Get(s.service, ref)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return Credentials{}, notFound(ref)
		}
		return Credentials{}, fmt.Errorf("keyring lookup %q: %w", ref, err)
	}
	return decode(ref, []byte(secret))
}
