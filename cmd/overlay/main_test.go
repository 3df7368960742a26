package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestMain_Subprocess re-runs the test binary as the overlay command.
func TestMain_Subprocess(t *testing.T) {
	if os.Getenv("OVERLAY_TEST_MAIN") == "1" {
		os.Args = append([]string{"overlay"}, strings.Fields(os.Getenv("OVERLAY_TEST_ARGS"))...)
		main()
		return
	}

	cfg := filepath.Join(t.TempDir(), "config")
	cases := []struct {
		args    string
		wantOut string
		wantErr bool
	}{
		{args: "--config " + cfg + " version", wantOut: "overlay "},
		{args: "--config " + cfg + " run " + filepath.Join(t.TempDir(), "missing.yaml"), wantOut: "Error: ", wantErr: true},
		{args: "--config " + cfg + " bogus", wantOut: "Error: unknown command", wantErr: true},
	}
	for _, tc := range cases {
		cmd := exec.Command(os.Args[0], "-test.run=^TestMain_Subprocess$")
		cmd.Env = append(os.Environ(), "OVERLAY_TEST_MAIN=1", "OVERLAY_TEST_ARGS="+tc.args)
		out, err := cmd.CombinedOutput()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v\n%s", tc.args, err, tc.wantErr, out)
		}
		if !strings.Contains(string(out), tc.wantOut) {
			t.Errorf("%s: output %q does not contain %q", tc.args, out, tc.wantOut)
		}
	}
}
