package fsm

import "github.com/lidarops/fwupgrade/pkg/upgrade"

// UpgradeRequest is the FSM input
type UpgradeRequest struct {
	JobID   string
	Source  string // s3://bucket/key or a local file path
	Family  string
	Devices []string
}

// DeviceResult is the final outcome of one device in the job
type DeviceResult struct {
	Device  string
	State   string
	Phase   string
	Percent int
	Error   string
}

// UpgradeResponse is the FSM output (accumulated across transitions)
type UpgradeResponse struct {
	// From Resolve
	LocalPath string
	SHA256    string
	Size      int64

	// From Load
	FormatVersion   uint32
	FirmwareVersion uint32
	DeviceType      uint8

	// From Upgrade
	Results []DeviceResult

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// Failed counts the devices that did not complete.
func (r *UpgradeResponse) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.State != upgrade.Complete.String() {
			n++
		}
	}
	return n
}

// State names
const (
	StateResolve  = "resolve"
	StateLoad     = "load"
	StateUpgrade  = "upgrade"
	StateComplete = "complete"
	StateFailed   = "failed"
)
