package worker

import (
	"time"

	"github.com/pingsantohq/vpnprobe/pkg/types"
)

// Job is a test job as handed to the pool, stamped with when the probe
// received it.
type Job struct {
	types.Job
	ReceivedAt time.Time
}
