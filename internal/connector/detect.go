package connector

import (
	"regexp"
	"strings"
)

// Outcome is the state of an OpenVPN client as read from its log.
type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	AuthFailed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case AuthFailed:
		return "auth_failed"
	default:
		return "pending"
	}
}

const (
	successMarker  = "Initialization Sequence Completed"
	authFailMarker = "AUTH_FAILED"
)

var tunnelAddrPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ifconfig\s+(\d+\.\d+\.\d+\.\d+)`),
	regexp.MustCompile(`net_addr_v4_add:\s+(\d+\.\d+\.\d+\.\d+)`),
}

// Detection is the result of scanning an OpenVPN log. IP is only set on success
// and may be empty when the log does not reveal the address.
type Detection struct {
	Outcome Outcome
	IP      string
}

// DetectOutcome classifies raw OpenVPN log text.
func DetectOutcome(raw string) Detection {
	if strings.Contains(raw, successMarker) {
		d := Detection{Outcome: Succeeded}
		for _, re := range tunnelAddrPatterns {
			if m := re.FindStringSubmatch(raw); m != nil {
				d.IP = m[1]
				break
			}
		}
		return d
	}
	if strings.Contains(raw, authFailMarker) {
		return Detection{Outcome: AuthFailed}
	}
	return Detection{Outcome: Pending}
}
