package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/telemetry"
)

const diamondWorkflow = `
name: site
dependents:
  - {name: root, kind: directory, params: {path: /tmp/site}}
  - {name: index, kind: template, dependsOn: [root], params: {path: /tmp/site/index.html, template: x}}
  - {name: about, kind: template, dependsOn: [root], params: {path: /tmp/site/about.html, template: x}}
  - {name: sitemap, kind: template, dependsOn: [index, about], params: {path: /tmp/site/sitemap.txt, template: x}}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("1.0.0", "abc123", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "converge 1.0.0")
	assert.Contains(t, out, "commit: abc123")
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "--workflow", writeWorkflow(t, diamondWorkflow))
	require.NoError(t, err)

	assert.Contains(t, out, "workflow site: 4 dependent resources")
	assert.Contains(t, out, "level 0: root (directory)")
	assert.Contains(t, out, "level 1: index (template), about (template)")
	assert.Contains(t, out, "level 2: sitemap (template)")
	assert.Contains(t, out, "reconcile order: root -> index -> about -> sitemap")
}

func TestValidateCommand_DOT(t *testing.T) {
	out, err := execute(t, "validate", "--workflow", writeWorkflow(t, diamondWorkflow), "--dot")
	require.NoError(t, err)

	assert.Contains(t, out, `digraph "site" {`)
	assert.Contains(t, out, `"index" -> "sitemap";`)
}

func TestValidateCommand_Cycle(t *testing.T) {
	_, err := execute(t, "validate", "--workflow", writeWorkflow(t, `
name: loop
dependents:
  - {name: a, kind: directory, dependsOn: [b], params: {path: /tmp/a}}
  - {name: b, kind: directory, dependsOn: [a], params: {path: /tmp/b}}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestValidateCommand_RequiresWorkflow(t *testing.T) {
	_, err := execute(t, "validate")
	assert.Error(t, err)
}

func TestHistoryCommand_EmptyJournal(t *testing.T) {
	out, err := execute(t, "history", "--db", filepath.Join(t.TempDir(), "converge.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")
}

func TestHistoryCommand_BadResource(t *testing.T) {
	_, err := execute(t, "history", "--db", filepath.Join(t.TempDir(), "converge.db"), "--resource", "a/b/c")
	assert.Error(t, err)
}

func newEventLogTelemetry(t *testing.T) (*telemetry.Telemetry, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.json")
	cfg := telemetry.DefaultConfig()
	cfg.Logging = telemetry.LoggingConfig{Level: "info", Format: "json", Output: path}
	cfg.Metrics.Enabled = false
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel, func() string {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return string(data)
	}
}

func TestSubscribeEventLog_LogsFailures(t *testing.T) {
	tel, read := newEventLogTelemetry(t)
	require.NoError(t, subscribeEventLog(tel, ""))

	require.NoError(t, tel.Events.PublishDispatchStarted("default/web", "d-1", 0))
	require.NoError(t, tel.Events.PublishRetryExhausted("default/web", "boom"))

	out := read()
	assert.NotContains(t, out, `"event":"dispatch.started"`)
	assert.Contains(t, out, `"event":"retry.exhausted"`)
	assert.Contains(t, out, `"component":"events"`)
	assert.Contains(t, out, `"resource_id":"default/web"`)
}

func TestSubscribeEventLog_FollowsResource(t *testing.T) {
	tel, read := newEventLogTelemetry(t)
	require.NoError(t, subscribeEventLog(tel, "default/web"))

	require.NoError(t, tel.Events.PublishDispatchStarted("default/web", "d-1", 0))
	require.NoError(t, tel.Events.PublishDispatchStarted("default/api", "d-2", 0))
	require.NoError(t, tel.Events.PublishRetryExhausted("default/web", "boom"))

	out := read()
	assert.Contains(t, out, `"dispatch_id":"d-1"`)
	assert.NotContains(t, out, `"dispatch_id":"d-2"`)
	assert.Equal(t, 1, strings.Count(out, `"event":"retry.exhausted"`))
}

func TestSubscribeEventLog_BadFollow(t *testing.T) {
	tel, _ := newEventLogTelemetry(t)
	err := subscribeEventLog(tel, "a/b/c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --follow resource")
}
