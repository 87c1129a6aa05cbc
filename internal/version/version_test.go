package version

import "testing"

func TestGet_Defaults(t *testing.T) {
	info := Get()

	if info.AppName != AppName {
		t.Errorf("AppName = %q, want %q", info.AppName, AppName)
	}
	if info.Version == "" {
		t.Error("Version should never be empty (dev fallback)")
	}
	if info.Commit == "" {
		t.Error("Commit should never be empty (none fallback)")
	}
	// GoVersion comes from build info when running under the test binary
	if info.GoVersion == "" {
		t.Error("GoVersion should be populated from build info")
	}
}
