package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lidarops/fwupgrade/pkg/upgrade"
)

// Recorder is an upgrade.Observer that persists the device rows of one job.
// Reports that change neither state, percent nor error are not written.
type Recorder struct {
	repo  *Repository
	jobID string

	mu   sync.Mutex
	last map[string]upgrade.Report
}

// NewRecorder returns a recorder writing rows for jobID.
func NewRecorder(repo *Repository, jobID string) *Recorder {
	return &Recorder{repo: repo, jobID: jobID, last: make(map[string]upgrade.Report)}
}

func (r *Recorder) OnProgress(rep upgrade.Report) {
	r.mu.Lock()
	prev, seen := r.last[rep.Device]
	r.last[rep.Device] = rep
	r.mu.Unlock()

	if seen && prev.State == rep.State && prev.Abandoned == rep.Abandoned && prev.Err == nil && rep.Err == nil && prev.Percent == rep.Percent {
		return
	}

	row := &DeviceUpgrade{
		JobID:     r.jobID,
		Device:    rep.Device,
		State:     rep.State.String(),
		Phase:     rep.Phase.String(),
		Percent:   rep.Percent,
		Retries:   rep.Retry,
		Abandoned: rep.Abandoned,
	}
	if rep.Err != nil {
		row.ErrorMessage = rep.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.RecordDevice(ctx, row); err != nil {
		slog.Warn("recorder_write_failed", "job_id", r.jobID, "device", rep.Device, "error", err)
	}
}
