package musb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distalsense/megamicro/internal/muerr"
	"github.com/distalsense/megamicro/internal/muparams"
)

func tempCommandDevice(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cmd_device")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create fake command device: %v", err)
	}
	f.Close()
	return path
}

func TestOpenDeviceMissing(t *testing.T) {
	_, err := OpenDevice(0x1234, 0x5678, "/nonexistent/path/to/device")
	if err == nil {
		t.Fatal("expected an error opening a missing device")
	}
	var missing *muerr.DeviceMissing
	if !asDeviceMissing(err, &missing) {
		t.Fatalf("expected DeviceMissing, got %T: %v", err, err)
	}
}

func asDeviceMissing(err error, target **muerr.DeviceMissing) bool {
	if e, ok := err.(*muerr.DeviceMissing); ok {
		*target = e
		return true
	}
	return false
}

func TestActivateMemsOutOfRange(t *testing.T) {
	path := tempCommandDevice(t)
	h, err := OpenDevice(1, 1, path)
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}

	err = h.ActivateMems([]int{0, 40}, 4) // 4 beams * 8 = 32 max
	if err == nil {
		t.Fatal("expected ChannelOutOfRange error")
	}
	if _, ok := err.(*muerr.ChannelOutOfRange); !ok {
		t.Fatalf("expected ChannelOutOfRange, got %T: %v", err, err)
	}
}

func TestActivateMemsValid(t *testing.T) {
	path := tempCommandDevice(t)
	h, err := OpenDevice(1, 1, path)
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}

	if err := h.ActivateMems([]int{0, 1, 8, 31}, 4); err != nil {
		t.Fatalf("ActivateMems failed: %v", err)
	}
	if h.State() != Configured {
		t.Fatalf("expected Configured state, got %s", h.State())
	}
}

func TestStartRequiresConfigured(t *testing.T) {
	path := tempCommandDevice(t)
	h, err := OpenDevice(1, 1, path)
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}

	if err := h.Start(muparams.Soft); err == nil {
		t.Fatal("expected Start to fail before Configured")
	}

	if err := h.ActivateMems([]int{0}, 4); err != nil {
		t.Fatalf("ActivateMems failed: %v", err)
	}
	if err := h.Start(muparams.Soft); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.State() != Running {
		t.Fatalf("expected Running state, got %s", h.State())
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.State() != Stopped {
		t.Fatalf("expected Stopped state, got %s", h.State())
	}
}
