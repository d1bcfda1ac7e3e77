package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linkedScenario = `name = "linked"

[[sub_graphs]]
id = 1

[[sub_graphs]]
id = 2

[[containers]]
id = 10
sub_graphs = [1]

[[containers]]
id = 20
sub_graphs = [2]

[[links]]
id = 100
self = 1
peer = 2

[[steps]]
command = "graph_open"

[[steps]]
command = "graph_start"
sub_graphs = [1, 2]

[[steps]]
command = "get_cfg"

[[steps.params]]
container = 10
module = 1
param = 2
data = "echo"

[[steps]]
command = "graph_close"
sub_graphs = [1, 2]
`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testRunConfig(path string, mode RunMode) RunConfig {
	cfg := DefaultRunConfig()
	cfg.Name = "apmctl.test"
	cfg.Scenario = path
	cfg.Mode = mode
	cfg.StepTimeout = 2 * time.Second
	return cfg
}

func TestRunLinkedScenario(t *testing.T) {
	for _, mode := range []RunMode{ModeSync, ModeAsync} {
		t.Run(string(mode), func(t *testing.T) {
			testlog.Start(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cfg := testRunConfig(writeScenario(t, linkedScenario), mode)
			cfg.PrintTrace = true
			var out bytes.Buffer
			require.NoError(t, run(ctx, cfg, &out), out.String())

			report := out.String()
			assert.Contains(t, report, "scenario linked")
			for _, cmd := range []string{"graph_open", "graph_start", "get_cfg", "graph_close"} {
				assert.Contains(t, report, cmd)
			}
			assert.Contains(t, report, "payloads=1")
			assert.NotContains(t, report, "MISMATCH")
			assert.Contains(t, report, "trace")
			assert.Contains(t, report, "container 20")
		})
	}
}

func TestRunExpectedFailure(t *testing.T) {
	testlog.Start(t)
	body := strings.Replace(linkedScenario, "[[steps]]\ncommand = \"graph_open\"\n",
		"[[steps]]\ncommand = \"graph_open\"\nexpect = \"no_resource\"\n", 1)
	body = body[:strings.Index(body, "[[steps]]\ncommand = \"graph_start\"")]
	body += "[[create_failures]]\ncontainer = 20\n"

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), testRunConfig(writeScenario(t, body), ModeSync), &out), out.String())
	assert.Contains(t, out.String(), "no_resource")
}

func TestRunReportsMismatch(t *testing.T) {
	testlog.Start(t)
	body := linkedScenario + "\n[[create_failures]]\ncontainer = 20\n"

	var out bytes.Buffer
	err := run(context.Background(), testRunConfig(writeScenario(t, body), ModeSync), &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExpectationMismatch), "unexpected error: %v", err)
	assert.Contains(t, out.String(), "MISMATCH")
}

func TestRunRequiresScenario(t *testing.T) {
	testlog.Start(t)
	err := run(context.Background(), DefaultRunConfig(), &bytes.Buffer{})
	require.Error(t, err)
}
