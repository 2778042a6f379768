package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lidarops/fwupgrade/internal/config"
	"github.com/lidarops/fwupgrade/pkg/db"
	"github.com/lidarops/fwupgrade/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [job-id]",
	Short: "List upgrade jobs, or the devices of one job",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of jobs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := context.Background()
	if len(args) == 1 {
		return showJob(ctx, repo, args[0])
	}

	jobs, err := repo.ListJobs(ctx, historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(jobs) == 0 {
		fmt.Println("No upgrade jobs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-9s %-8s %-16s %s\n", "JOB", "STATUS", "FAMILY", "DEVICES", "STARTED", "FIRMWARE")
	fmt.Println(strings.Repeat("-", 110))

	for _, job := range jobs {
		fmt.Printf("%-36s %-10s %-9s %-8d %-16s %s\n",
			job.ID, job.Status, job.Family, job.DeviceCount, ago(job.CreatedAt), job.FirmwareSource)
	}

	return nil
}

func showJob(ctx context.Context, repo *db.Repository, id string) error {
	job, err := repo.GetJob(ctx, id)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}

	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Firmware: %s\n", job.FirmwareSource)
	fmt.Printf("SHA256:   %s\n", job.FirmwareSHA256)
	fmt.Printf("Family:   %s\n", job.Family)
	fmt.Printf("Started:  %s\n", ago(job.CreatedAt))
	if job.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", job.ErrorMessage)
	}

	devices, err := repo.ListDevices(ctx, id)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}

	fmt.Printf("\n%-22s %-22s %-22s %-8s %-8s %s\n", "DEVICE", "STATE", "PHASE", "PERCENT", "RETRIES", "ERROR")
	fmt.Println(strings.Repeat("-", 100))
	for _, d := range devices {
		state := d.State
		if d.Abandoned {
			state += " (abandoned)"
		}
		msg := d.ErrorMessage
		if msg == "" {
			msg = "-"
		}
		fmt.Printf("%-22s %-22s %-22s %-8d %-8d %s\n", d.Device, state, d.Phase, d.Percent, d.Retries, msg)
	}
	return nil
}

// ago renders a stored timestamp relative to now, or as stored when it
// cannot be parsed.
func ago(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return humanize.Time(t)
		}
	}
	return ts
}
