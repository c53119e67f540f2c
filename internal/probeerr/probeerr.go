// Package probeerr defines the failure taxonomy shared by the tunnel
// lifecycle and the measurement collaborators.
package probeerr

import (
	"context"
	"errors"
)

var (
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrConfigBuild          = errors.New("config build failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConnectTimeout       = errors.New("connect timeout")
	ErrConnectFailed        = errors.New("connect failed")
	ErrParse                = errors.New("unparseable output")
	ErrProbeTimeout         = errors.New("probe timeout")
	ErrProbeFailure         = errors.New("probe failure")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrCredentialNotFound, "credential_not_found"},
	{ErrConfigBuild, "config_build"},
	{ErrAuthenticationFailed, "authentication_failed"},
	{ErrConnectTimeout, "connect_timeout"},
	{ErrConnectFailed, "connect_failed"},
	{ErrParse, "parse_error"},
	{ErrProbeTimeout, "probe_timeout"},
	{ErrProbeFailure, "probe_failure"},
}

// Code returns a stable machine-readable code for err, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "probe_timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "internal"
}
