package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lidarops/fwupgrade/internal/config"
	"github.com/lidarops/fwupgrade/pkg/errors"
	"github.com/lidarops/fwupgrade/pkg/storage"
)

var listFirmwareCmd = &cobra.Command{
	Use:   "list-firmware [prefix]",
	Short: "List firmware packages in the S3 bucket",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runListFirmware,
}

func init() {
	rootCmd.AddCommand(listFirmwareCmd)
}

func runListFirmware(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	objects, err := s3Client.ListObjects(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(objects) == 0 {
		fmt.Println("No firmware found")
		return nil
	}

	fmt.Printf("%-60s %-10s %s\n", "URI", "SIZE", "MODIFIED")
	fmt.Println(strings.Repeat("-", 90))
	for _, obj := range objects {
		fmt.Printf("%-60s %-10s %s\n",
			"s3://"+cfg.S3Bucket+"/"+obj.Key, humanize.IBytes(uint64(obj.Size)), humanize.Time(obj.LastModified))
	}
	return nil
}
