package probeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCodeUnwrapsChains(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("fetch %q: %w", "ref", ErrCredentialNotFound), "credential_not_found"},
		{fmt.Errorf("session: %w", fmt.Errorf("openvpn: %w", ErrAuthenticationFailed)), "authentication_failed"},
		{fmt.Errorf("wg-quick up: %w", ErrConnectFailed), "connect_failed"},
		{fmt.Errorf("ping: %w", context.DeadlineExceeded), "probe_timeout"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
