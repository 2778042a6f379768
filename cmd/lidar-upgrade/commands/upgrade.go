package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/lidarops/fwupgrade/internal/config"
	"github.com/lidarops/fwupgrade/pkg/coordinator"
	"github.com/lidarops/fwupgrade/pkg/db"
	"github.com/lidarops/fwupgrade/pkg/dispatch"
	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/family"
	appfsm "github.com/lidarops/fwupgrade/pkg/fsm"
	"github.com/lidarops/fwupgrade/pkg/metrics"
	"github.com/lidarops/fwupgrade/pkg/security"
	"github.com/lidarops/fwupgrade/pkg/storage"
	"github.com/lidarops/fwupgrade/pkg/transport"
	"github.com/lidarops/fwupgrade/pkg/upgrade"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <firmware> <device>...",
	Short: "Upgrade devices to a firmware package",
	Long: `Upgrade one or more devices to a firmware package.

<firmware> is a local file or an s3://bucket/key URI in the configured bucket.
Each <device> is the device's UDP address as host:port, for example
192.168.1.50:65000 or lidar-7.local:65000; names are resolved once at
startup. Interrupting the command abandons every session after
its in-flight command settles.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runUpgrade,
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := args[0]
	devices, err := canonicalDevices(args[1:])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	fam, err := family.ByName(cfg.Family)
	if err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	var s3Client *storage.Client
	if strings.HasPrefix(source, "s3://") {
		s3Client, err = storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
	}

	validator := security.NewValidator(cfg.MaxFirmwareSize, cfg.DeviceTypes())

	counters := metrics.NewCounters()
	if cfg.MetricsAddr != "" {
		shutdown, err := serveMetrics(cfg.MetricsAddr, counters)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	link, err := transport.ListenUDP(cfg.LocalAddr)
	if err != nil {
		return errors.Wrap(err, "transport failed")
	}
	defer link.Close()

	dispatcher := dispatch.New(link, dispatch.WithMetrics(counters))

	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()
	go dispatcher.Run(linkCtx, cfg.TickInterval)
	go func() {
		if err := link.Serve(linkCtx, dispatcher.OnIncoming); err != nil {
			slog.Error("transport_serve_failed", "error", err)
		}
	}()

	coord := coordinator.New(dispatcher, fam, sessionConfig(cfg, counters))
	go func() {
		<-ctx.Done()
		coord.AbandonAll(context.Background())
	}()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	var src appfsm.Downloader
	if s3Client != nil {
		src = s3Client
	}
	machine := appfsm.NewMachine(repo, src, validator, coord, progressPrinter(), cfg.WorkDir, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &appfsm.UpgradeRequest{
		JobID:   uuid.NewString(),
		Source:  source,
		Family:  fam.Name(),
		Devices: devices,
	}
	resp := &appfsm.UpgradeResponse{}

	version, err := start(ctx, req.JobID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "job_id", req.JobID, "version", version)

	// Interrupts abandon the sessions above; the job still runs to its
	// final state so the abandoned devices are recorded.
	if err := manager.Wait(context.Background(), version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	printResults(req.JobID, resp)
	if resp.Status != db.StatusComplete {
		return fmt.Errorf("upgrade job %s: %s", req.JobID, resp.ErrorMessage)
	}
	return nil
}

// canonicalDevices resolves every device to the address its acks arrive
// from, so hostnames and aliases of one lidar become a single id.
func canonicalDevices(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		canon, err := transport.Canonical(id)
		if err != nil {
			return nil, err
		}
		if canon != id {
			slog.Info("device_resolved", "device", id, "addr", canon)
		}
		out = append(out, canon)
	}
	return out, nil
}

func sessionConfig(cfg *config.Config, counters *metrics.Counters) upgrade.Config {
	return upgrade.Config{
		ChunkSize:            cfg.ChunkSize,
		CommandTimeout:       cfg.CommandTimeout,
		RetryCeiling:         cfg.RetryCeiling,
		ProgressRetryCeiling: cfg.ProgressRetryCeiling,
		PollInterval:         cfg.PollInterval,
		Metrics:              counters,
	}
}

func serveMetrics(addr string, counters *metrics.Counters) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := counters.Register(reg); err != nil {
		return nil, errors.Wrap(err, "metrics registration failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics_serve_failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

// progressPrinter writes one line per state change or new percent.
func progressPrinter() upgrade.Observer {
	last := make(map[string]upgrade.Report)
	return upgrade.ObserverFunc(func(r upgrade.Report) {
		prev, seen := last[r.Device]
		last[r.Device] = r
		if seen && prev.State == r.State && prev.Percent == r.Percent && r.Err == nil {
			return
		}
		line := fmt.Sprintf("%-22s %-22s %3d%%", r.Device, r.State, r.Percent)
		if r.Retry > 0 {
			line += fmt.Sprintf("  retry %d", r.Retry)
		}
		if r.Err != nil {
			line += "  " + r.Err.Error()
		}
		fmt.Println(line)
	})
}

func printResults(jobID string, resp *appfsm.UpgradeResponse) {
	fmt.Printf("\nJob %s: %s\n", jobID, resp.Status)
	fmt.Printf("%-22s %-22s %-22s %-8s %s\n", "DEVICE", "STATE", "PHASE", "PERCENT", "ERROR")
	fmt.Println(strings.Repeat("-", 96))
	for _, r := range resp.Results {
		msg := r.Error
		if msg == "" {
			msg = "-"
		}
		fmt.Printf("%-22s %-22s %-22s %-8d %s\n", r.Device, r.State, r.Phase, r.Percent, msg)
	}
}
