package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	a := Derive("host-1", "alice")
	b := Derive("host-1", "alice")
	if a != b {
		t.Errorf("expected identical ids, got %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "device-") {
		t.Errorf("expected device- prefix, got %q", a)
	}
	if len(a) != len("device-")+32 {
		t.Errorf("unexpected id length: %q", a)
	}
}

func TestDeriveDistinguishesInputs(t *testing.T) {
	if Derive("host-1", "alice") == Derive("host-2", "alice") {
		t.Error("different hosts must derive different ids")
	}
	if Derive("host-1", "alice") == Derive("host-1", "bob") {
		t.Error("different users must derive different ids")
	}
}

func TestComputeFromIdentityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.id")
	if err := os.WriteFile(path, []byte("\n  my-device-id  \nignored\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := Compute(path); got != "my-device-id" {
		t.Errorf("expected first non-empty line, got %q", got)
	}
}

func TestComputeFallsBackWhenFileMissing(t *testing.T) {
	got := Compute(filepath.Join(t.TempDir(), "absent"))
	if !strings.HasPrefix(got, "device-") {
		t.Errorf("expected derived id, got %q", got)
	}
}

func TestDeviceIDCached(t *testing.T) {
	first := DeviceID("")
	second := DeviceID(filepath.Join(t.TempDir(), "absent"))
	if first != second {
		t.Errorf("DeviceID must cache: %q vs %q", first, second)
	}
}
