package db

// Schema defines the SQLite schema for upgrade history.
// upgrade_jobs holds one row per fleet upgrade, device_upgrades the latest
// state of every device in it.
const Schema = `
CREATE TABLE IF NOT EXISTS upgrade_jobs (
    id TEXT PRIMARY KEY,
    firmware_source TEXT NOT NULL,
    firmware_sha256 TEXT NOT NULL,
    family TEXT NOT NULL,
    device_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'complete', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_upgrade_jobs_status ON upgrade_jobs(status);
CREATE INDEX IF NOT EXISTS idx_upgrade_jobs_created_at ON upgrade_jobs(created_at);

CREATE TABLE IF NOT EXISTS device_upgrades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES upgrade_jobs(id) ON DELETE CASCADE,
    device TEXT NOT NULL,
    state TEXT NOT NULL,
    phase TEXT NOT NULL,
    percent INTEGER NOT NULL DEFAULT 0,
    retries INTEGER NOT NULL DEFAULT 0,
    abandoned INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(job_id, device)
);

CREATE INDEX IF NOT EXISTS idx_device_upgrades_device ON device_upgrades(device);
`

// Job status constants
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Job represents one fleet upgrade
type Job struct {
	ID             string
	FirmwareSource string
	FirmwareSHA256 string
	Family         string
	DeviceCount    int
	Status         string
	ErrorMessage   string
	CreatedAt      string
	UpdatedAt      string
}

// DeviceUpgrade is the latest known state of one device within a job
type DeviceUpgrade struct {
	ID           int64
	JobID        string
	Device       string
	State        string
	Phase        string
	Percent      int
	Retries      int
	Abandoned    bool
	ErrorMessage string
	UpdatedAt    string
}
