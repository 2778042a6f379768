package fsm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/superfly/fsm"

	"github.com/lidarops/fwupgrade/pkg/coordinator"
	"github.com/lidarops/fwupgrade/pkg/db"
	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/firmware"
	"github.com/lidarops/fwupgrade/pkg/security"
	"github.com/lidarops/fwupgrade/pkg/storage"
	"github.com/lidarops/fwupgrade/pkg/upgrade"
)

// Downloader fetches a firmware object into a local file.
type Downloader interface {
	Bucket() string
	Download(ctx context.Context, key, localPath string) (*storage.DownloadResult, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo        *db.Repository
	source      Downloader
	validator   *security.Validator
	coordinator *coordinator.Coordinator
	observer    upgrade.Observer
	workDir     string
	maxRetries  int
}

// NewMachine creates a new FSM machine with dependencies. source may be nil
// when only local firmware files are upgraded; observer may be nil.
func NewMachine(
	repo *db.Repository,
	source Downloader,
	validator *security.Validator,
	coord *coordinator.Coordinator,
	observer upgrade.Observer,
	workDir string,
	maxRetries int,
) *Machine {
	return &Machine{
		repo:        repo,
		source:      source,
		validator:   validator,
		coordinator: coord,
		observer:    observer,
		workDir:     workDir,
		maxRetries:  maxRetries,
	}
}

func (m *Machine) checkRetries(ctx context.Context, jobID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "job_id", jobID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// fail records a terminal job error and aborts the FSM.
func (m *Machine) fail(ctx context.Context, jobID string, err error) error {
	if uerr := m.repo.UpdateJobStatus(ctx, jobID, db.StatusFailed, err.Error()); uerr != nil {
		slog.Error("status_update_failed", "job_id", jobID, "status", db.StatusFailed, "error", uerr)
	}
	return fsm.Abort(err)
}

// handleResolve fetches the firmware into the work directory and creates the
// job record.
func (m *Machine) handleResolve(ctx context.Context, req *fsm.Request[UpgradeRequest, UpgradeResponse]) (*fsm.Response[UpgradeResponse], error) {
	slog.Info("fsm_state_resolve", "job_id", req.Msg.JobID, "source", req.Msg.Source)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &UpgradeResponse{}
	}

	if strings.HasPrefix(req.Msg.Source, "s3://") {
		result, err := m.download(ctx, req.Msg.Source)
		if err != nil {
			return nil, err
		}
		resp.LocalPath, resp.SHA256, resp.Size = result.LocalPath, result.SHA256, result.Size
	} else {
		sum, size, err := hashFile(req.Msg.Source)
		if err != nil {
			slog.Error("firmware_hash_failed", "path", req.Msg.Source, "error", err)
			return nil, fsm.Abort(errors.Wrap(err, "failed to read firmware"))
		}
		resp.LocalPath, resp.SHA256, resp.Size = req.Msg.Source, sum, size
	}

	job, err := m.repo.GetJob(ctx, req.Msg.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "database error")
	}
	if job == nil {
		job = &db.Job{
			ID:             req.Msg.JobID,
			FirmwareSource: req.Msg.Source,
			FirmwareSHA256: resp.SHA256,
			Family:         req.Msg.Family,
			DeviceCount:    len(req.Msg.Devices),
			Status:         db.StatusPending,
		}
		if err := m.repo.CreateJob(ctx, job); err != nil {
			slog.Error("create_job_failed", "job_id", req.Msg.JobID, "error", err)
			return nil, errors.Wrap(err, "failed to create job record")
		}
		slog.Info("job_created", "job_id", job.ID, "devices", job.DeviceCount)
	} else {
		slog.Info("job_found_continue_processing", "job_id", job.ID, "status", job.Status)
	}

	return fsm.NewResponse(resp), nil
}

func (m *Machine) download(ctx context.Context, uri string) (*storage.DownloadResult, error) {
	if m.source == nil {
		return nil, fsm.Abort(fmt.Errorf("no S3 source configured for %s", uri))
	}
	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	if bucket != m.source.Bucket() {
		return nil, fsm.Abort(fmt.Errorf("bucket %q is not the configured bucket %q", bucket, m.source.Bucket()))
	}
	if err := m.validator.ValidatePath(key); err != nil {
		return nil, fsm.Abort(err)
	}

	localPath := filepath.Join(m.workDir, "downloads", filepath.Clean(key))
	slog.Info("download_started", "s3_key", key, "local_path", localPath)

	result, err := m.source.Download(ctx, key, localPath)
	if err != nil {
		slog.Error("download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download from S3")
	}
	return result, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// admit reads the resolved file once, checks it is the file resolve hashed,
// and applies the admission policy to exactly those bytes.
func (m *Machine) admit(resp *UpgradeResponse) (*firmware.Firmware, error) {
	f, err := os.Open(resp.LocalPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open firmware")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat firmware")
	}
	if err := m.validator.ValidateFileSize(st.Size()); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(f, st.Size()+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read firmware")
	}
	if err := m.validator.ValidateFileSize(int64(len(data))); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != resp.SHA256 {
		slog.Error("firmware_changed", "path", resp.LocalPath, "expected_sha256", resp.SHA256, "sha256", got)
		return nil, fmt.Errorf("firmware %s changed since it was resolved", resp.LocalPath)
	}

	fw, err := firmware.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := m.validator.ValidateFirmware(fw); err != nil {
		return nil, err
	}
	return fw, nil
}

// handleLoad parses the firmware and applies the admission policy.
func (m *Machine) handleLoad(ctx context.Context, req *fsm.Request[UpgradeRequest, UpgradeResponse]) (*fsm.Response[UpgradeResponse], error) {
	slog.Info("fsm_state_load", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	fw, err := m.admit(resp)
	if err != nil {
		return nil, m.fail(ctx, req.Msg.JobID, err)
	}

	h := fw.Header()
	resp.FormatVersion = h.FormatVersion
	resp.FirmwareVersion = h.FirmwareVersion
	resp.DeviceType = h.DeviceType

	return fsm.NewResponse(resp), nil
}

// handleUpgrade runs one session per device and waits for all of them.
// Device outcomes are results, not FSM errors, so this state never asks the
// FSM to retry once sessions have started.
func (m *Machine) handleUpgrade(ctx context.Context, req *fsm.Request[UpgradeRequest, UpgradeResponse]) (*fsm.Response[UpgradeResponse], error) {
	slog.Info("fsm_state_upgrade", "job_id", req.Msg.JobID, "devices", len(req.Msg.Devices))

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	// The file is read again here; it must still be the package resolve
	// hashed and load admitted.
	fw, err := m.admit(resp)
	if err != nil {
		return nil, m.fail(ctx, req.Msg.JobID, err)
	}

	if err := m.repo.UpdateJobStatus(ctx, req.Msg.JobID, db.StatusRunning, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}

	observers := upgrade.MultiObserver{db.NewRecorder(m.repo, req.Msg.JobID)}
	if m.observer != nil {
		observers = append(observers, m.observer)
	}

	fleet, err := m.coordinator.UpgradeFleet(ctx, fw, req.Msg.Devices, observers)
	if err != nil {
		slog.Error("fleet_start_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, m.fail(ctx, req.Msg.JobID, err)
	}

	results, err := fleet.Wait(ctx)
	if err != nil {
		slog.Warn("fleet_wait_interrupted", "job_id", req.Msg.JobID, "error", err)
		results, _ = fleet.StopAll(context.Background())
	}

	resp.Results = resp.Results[:0]
	for _, r := range results {
		dr := DeviceResult{
			Device:  r.Device,
			State:   r.Report.State.String(),
			Phase:   r.Report.Phase.String(),
			Percent: r.Report.Percent,
		}
		if r.Report.Err != nil {
			dr.Error = r.Report.Err.Error()
		}
		resp.Results = append(resp.Results, dr)
	}

	slog.Info("fleet_finished", "job_id", req.Msg.JobID, "devices", len(resp.Results), "failed", resp.Failed())
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the job finished
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[UpgradeRequest, UpgradeResponse]) (*fsm.Response[UpgradeResponse], error) {
	slog.Info("fsm_state_complete", "job_id", req.Msg.JobID)

	if err := m.checkRetries(ctx, req.Msg.JobID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	status, message := jobOutcome(resp)
	if err := m.repo.UpdateJobStatus(ctx, req.Msg.JobID, status, message); err != nil {
		slog.Error("status_update_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, errors.Wrap(err, "failed to update status")
	}
	resp.Status = status
	resp.ErrorMessage = message

	slog.Info("fsm_complete", "job_id", req.Msg.JobID, "status", status)
	return fsm.NewResponse(resp), nil
}

// jobOutcome derives the job status from the device results.
func jobOutcome(resp *UpgradeResponse) (string, string) {
	failed := resp.Failed()
	if failed == 0 {
		return db.StatusComplete, ""
	}
	return db.StatusFailed, fmt.Sprintf("%d of %d devices failed", failed, len(resp.Results))
}
