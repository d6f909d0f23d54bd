package lookout_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var (
	lookoutPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("lookout-ci") {
		slog.Error("cannot locate lookout-ci binary: run go build -race -cover -covermode=atomic -o lookout-ci ./cmd/lookout/ first")
		os.Exit(1)
	}

	var err error
	lookoutPath, err = filepath.Abs("lookout-ci")
	if err != nil {
		slog.Error("can't get abspath for lookout-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for lookout-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for lookout-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// config uses sh scripts in place of docker and snyk
const config = `
data_dir: ./data
severity: medium
concurrency: 2
discovery:
  mode: none
commands:
  pull:
    path: sh
    args: ["-c", "case \"$0\" in broken:*) echo \"manifest unknown\" >&2; exit 1;; esac", "${image}"]
  scan:
    path: sh
    args: ["-c", "echo \"{\\\"uri\\\":\\\"https://app.snyk.io/$0\\\",\\\"severity\\\":\\\"$1\\\"}\"", "${image}", "${severity}"]
  remove:
    path: "true"
http:
  enabled: false
`

func TestLookoutScan(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	_ = chDir(t)
	creat(t, "lookout.yaml", []byte(config))

	stdout, stderr, err := lookout(t, "scan", "--config", "lookout.yaml", "nginx:1.25", "redis", "broken:1")
	require.Error(t, err, stderr)
	require.Contains(t, stderr, "scan failed")

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.ElementsMatch(t, []string{
		"broken:1\tpull\tfailed",
		"nginx:1.25\tdone\tok",
		"redis:latest\tdone\tok",
	}, lines)

	b, err := os.ReadFile(filepath.Join("data", "nginx:1.25"))
	require.NoError(t, err)
	require.JSONEq(t, `{"uri":"https://app.snyk.io/nginx:1.25","severity":"medium"}`, string(b))

	b, err = os.ReadFile(filepath.Join("data", "broken:1.error"))
	require.NoError(t, err)
	require.Contains(t, string(b), "PULL ERROR [EXIT 1]: broken:1")
	require.Contains(t, string(b), "manifest unknown")

	// second run skips scanned images, --force scans them again
	stdout, stderr, err = lookout(t, "scan", "--config", "lookout.yaml", "nginx:1.25")
	require.NoError(t, err, stderr)
	require.Equal(t, "nginx:1.25\tcheck_exists\tskipped\n", stdout)

	stdout, stderr, err = lookout(t, "scan", "--config", "lookout.yaml", "--force", "nginx:1.25")
	require.NoError(t, err, stderr)
	require.Equal(t, "nginx:1.25\tdone\tok\n", stdout)
}

func TestLookoutConfig(t *testing.T) {
	_ = chDir(t)
	creat(t, "lookout.yaml", []byte(config))

	stdout, stderr, err := lookout(t, "config", "--config", "lookout.yaml")
	require.NoError(t, err, stderr)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &got))
	require.Equal(t, "./data", got["data_dir"])
	require.Equal(t, "medium", got["severity"])
	require.Equal(t, 2, got["concurrency"])
	require.Equal(t, "10s", got["tick"])
}

func TestLookoutConfig_Invalid(t *testing.T) {
	_ = chDir(t)
	creat(t, "lookout.yaml", []byte("severity: extreme\n"))

	_, stderr, err := lookout(t, "config", "--config", "lookout.yaml")
	require.Error(t, err)
	require.Contains(t, stderr, "invalid configuration")
}

func lookout(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, lookoutPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "LOOKOUT_LOG_FORMAT=text")
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
