package commands

import (
	"path/filepath"
	"testing"
)

func TestDownloadPath(t *testing.T) {
	path, ok := downloadPath("/work", "s3://fw/livox/mid360.bin")
	if !ok || path != filepath.Join("/work", "downloads", "livox", "mid360.bin") {
		t.Errorf("unexpected path %s, %v", path, ok)
	}

	if _, ok := downloadPath("/work", "/local/fw.bin"); ok {
		t.Error("local sources have no download")
	}
}
