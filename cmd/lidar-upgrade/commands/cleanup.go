package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lidarops/fwupgrade/internal/config"
	"github.com/lidarops/fwupgrade/pkg/db"
	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/storage"
)

var (
	cleanupAll      bool
	cleanupJob      string
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up upgrade history and downloaded firmware",
	Long: `Clean up resources left by upgrade jobs:
  --all              Delete every job record and every downloaded package
  --job <job-id>     Delete one job record and its downloaded package
  --orphaned         Delete downloaded packages no job refers to`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all resources")
	cleanupCmd.Flags().StringVar(&cleanupJob, "job", "", "Clean one job by id")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned downloads")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := context.Background()

	if cleanupAll {
		return cleanupAllJobs(ctx, repo, cfg)
	} else if cleanupJob != "" {
		return cleanupOneJob(ctx, repo, cfg, cleanupJob)
	} else if cleanupOrphaned {
		return cleanupOrphanedDownloads(ctx, repo, cfg)
	} else {
		return fmt.Errorf("must specify --all, --job, or --orphaned")
	}
}

func cleanupAllJobs(ctx context.Context, repo *db.Repository, cfg *config.Config) error {
	jobs, err := repo.ListJobs(ctx, 0)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("Cleaning up %d jobs...\n", len(jobs))
	for _, job := range jobs {
		if err := repo.DeleteJob(ctx, job.ID); err != nil {
			fmt.Printf("Failed to delete job %s: %v\n", job.ID, err)
		}
	}

	downloadDir := filepath.Join(cfg.WorkDir, "downloads")
	if err := os.RemoveAll(downloadDir); err != nil {
		return errors.Wrap(err, "failed to remove downloads")
	}
	fmt.Printf("Removed %s\n", downloadDir)
	return nil
}

func cleanupOneJob(ctx context.Context, repo *db.Repository, cfg *config.Config, id string) error {
	job, err := repo.GetJob(ctx, id)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}

	if path, ok := downloadPath(cfg.WorkDir, job.FirmwareSource); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove download")
		}
	}
	if err := repo.DeleteJob(ctx, id); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("Cleaned: %s\n", id)
	return nil
}

func cleanupOrphanedDownloads(ctx context.Context, repo *db.Repository, cfg *config.Config) error {
	fmt.Println("Scanning for orphaned downloads...")

	jobs, err := repo.ListJobs(ctx, 0)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	referenced := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if path, ok := downloadPath(cfg.WorkDir, job.FirmwareSource); ok {
			referenced[path] = true
		}
	}

	orphanCount := 0
	downloadDir := filepath.Join(cfg.WorkDir, "downloads")
	err = filepath.WalkDir(downloadDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || referenced[path] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			fmt.Printf("Failed to remove orphaned download %s: %v\n", path, err)
			return nil
		}
		fmt.Printf("Removed orphaned download: %s\n", path)
		orphanCount++
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan failed")
	}

	fmt.Printf("Removed %d orphaned downloads\n", orphanCount)
	return nil
}

// downloadPath is where the upgrade job stored an s3:// source.
func downloadPath(workDir, source string) (string, bool) {
	_, key, err := storage.ParseURI(source)
	if err != nil {
		return "", false
	}
	return filepath.Join(workDir, "downloads", filepath.Clean(key)), true
}
