package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyEngine writes the input descriptor back as its own output.
const copyEngine = `["sh", "-c", "cp \"$0\" \"${0%.inp}.out\""]`

var runIDRe = regexp.MustCompile(`\d{8}-\d{6}-[0-9a-f]{8}`)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Chdir(root)

	for i, tc := range []int{100, 200, 300} {
		body := fmt.Sprintf("x y\n0 %d\n1 %d\n2 %d\n", 2+i, 4+i, 9+i)
		require.NoError(t, writeTestFile(filepath.Join(root, "data", fmt.Sprintf("scan_000001_%06d.xy", tc)), body))
	}
	require.NoError(t, writeTestFile(filepath.Join(root, "template.inp"),
		"xdd \"old.xy\"\nr_wp 10.0\nstr\n  scale sf_A 0.5\nout \"old.csv\"\n"))
	require.NoError(t, writeTestFile(filepath.Join(root, defaultConfigPath), `{
		"engine": {"cmd": `+copyEngine+`},
		"data": {"dir": "data"},
		"template": "template.inp",
		"refinement": {"count": 3},
		"retention": {"keep_last": 1}
	}`))
	return root
}

func TestInitCmd(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "autorefine initialized successfully")
	assert.FileExists(t, filepath.Join(root, defaultConfigPath))
	assert.DirExists(t, filepath.Join(root, stateDirName, "locks"))

	require.NoError(t, os.WriteFile(filepath.Join(root, defaultConfigPath), []byte("{}"), 0o644))
	_, err = execute(t, "init")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, defaultConfigPath))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data), "an existing config is kept")
}

func TestPlanCmd(t *testing.T) {
	setupWorkspace(t)

	out, err := execute(t, "plan", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "scan_000001_000100.xy")
	assert.Contains(t, out, "scan_000001_000300.xy")
	assert.NotContains(t, out, "scan_000001_000200.xy")
	assert.Contains(t, out, "3 patterns, 2 iterations planned")
}

func TestRunAndRunsCmds(t *testing.T) {
	setupWorkspace(t)

	out, err := execute(t, "run", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "refined 3")
	assert.Contains(t, out, "no phase transitions")

	runID := regexp.MustCompile(`run (`+runIDRe.String()+`)`).FindStringSubmatch(out)
	require.Len(t, runID, 2, out)

	out, err = execute(t, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, runID[1])
	assert.Contains(t, out, "completed")

	out, err = execute(t, "runs", "verify", runID[1])
	require.NoError(t, err)
	assert.Contains(t, out, "verified")

	out, err = execute(t, "runs", "show", "--raw", "--events", runID[1])
	require.NoError(t, err)
	assert.Contains(t, out, "# Run "+runID[1])
	assert.Contains(t, out, "run_finished")

	_, err = execute(t, "runs", "show", "missing")
	require.Error(t, err)

	_, err = execute(t, "run", "--quiet")
	require.NoError(t, err)
	_, err = execute(t, "runs", "prune")
	require.NoError(t, err)
	out, err = execute(t, "runs", "list")
	require.NoError(t, err)
	assert.Len(t, runIDRe.FindAllString(out, -1), 1, "keep_last 1 leaves a single run")
}
