package credentials

import (
	"fmt"
	"strings"
)

const (
	BackendFile    = "file"
	BackendKeyring = "keyring"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend        string
	Path           string
	KeyringService string
}

func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, fmt.Errorf("credentials path is required for the file backend")
		}
		return NewFileStore(opts.Path), nil
	case BackendKeyring:
		return NewKeyringStore(opts.KeyringService), nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", opts.Backend)
	}
}
