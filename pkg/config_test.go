package pkg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"triggerd/pkg/triggers"

	"github.com/stretchr/testify/require"
)

func TestMergeBindingConfig(t *testing.T) {
	tr := true
	fa := false
	pTr := &tr
	pFa := &fa

	ift := MustParseIfTemplate("test", `true`)
	tpl := MustParseTemplate("test", `hello`)

	tests := []struct {
		exp BindingCommonConfig
		def BindingCommonConfig
		ove BindingCommonConfig
	}{
		{BindingCommonConfig{}, BindingCommonConfig{}, BindingCommonConfig{}},
		// Simple overwrite
		{BindingCommonConfig{Route: "/a"}, BindingCommonConfig{Route: "/a"}, BindingCommonConfig{}},
		{BindingCommonConfig{Route: "/b"}, BindingCommonConfig{Route: "/a"}, BindingCommonConfig{Route: "/b"}},
		{BindingCommonConfig{NotificationType: triggers.NotificationTypeEmail}, BindingCommonConfig{NotificationType: triggers.NotificationTypeEmail}, BindingCommonConfig{}},
		// Bool ptr overwrite
		{BindingCommonConfig{Enabled: pTr}, BindingCommonConfig{Enabled: pTr}, BindingCommonConfig{}},
		{BindingCommonConfig{Enabled: pFa}, BindingCommonConfig{Enabled: pTr}, BindingCommonConfig{Enabled: pFa}},
		{BindingCommonConfig{Enabled: pFa}, BindingCommonConfig{}, BindingCommonConfig{Enabled: pFa}},
		// Templates
		{BindingCommonConfig{Condition: ift}, BindingCommonConfig{Condition: ift}, BindingCommonConfig{}},
		{BindingCommonConfig{MessageTemplate: tpl}, BindingCommonConfig{}, BindingCommonConfig{MessageTemplate: tpl}},
	}

	for idx, test := range tests {
		merged, err := mergeBindingConfig(&test.def, &test.ove)
		require.NoError(t, err)
		require.EqualValuesf(t, test.exp, *merged, "test %d", idx)
	}
}

func writeConfig(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	require.NoError(t, os.Setenv("TRG_TEST_GITHUB_SECRET", "s3cr3t"))
	defer os.Unsetenv("TRG_TEST_GITHUB_SECRET")

	p := writeConfig(t, `
port: 8080
dispatch:
  scanInterval: 2s
  retry:
    maxRetries: 5
notifiers:
  webhooks:
    - channel: email
      url: http://localhost:9000/email
bindings:
  defaults:
    condition: eq .workspaceId "ws-1"
  tracker:
    nudgeAfter: 30m
  github:
    secret: ENV{TRG_TEST_GITHUB_SECRET}
    users:
      Octocat: u-1
`)

	config, err := LoadConfig(p)
	require.NoError(t, err)

	require.Equal(t, 8080, config.Port)
	require.Equal(t, StoreDriverMemory, config.StoreDriver())
	require.Equal(t, 2*time.Second, *config.Dispatch.ScanInterval)
	require.Equal(t, 5, *config.Dispatch.Retry.MaxRetries)
	require.Len(t, config.Notifiers.Webhooks, 1)
	require.Equal(t, triggers.NotificationTypeEmail, config.Notifiers.Webhooks[0].Channel)

	require.NotNil(t, config.Bindings.Defaults.Condition)
	require.Equal(t, 30*time.Minute, *config.Bindings.Tracker.NudgeAfter)
	require.Equal(t, "s3cr3t", config.Bindings.GitHub.Secret.Value())
	require.Equal(t, "u-1", config.Bindings.GitHub.Users["octocat"])
	require.Nil(t, config.Bindings.Reminder)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []string{
		// Unknown driver
		`store: {driver: mysql}`,
		// Postgres without database
		`store: {driver: postgres}`,
		// Bad channel
		`notifiers: {webhooks: [{channel: fax, url: "http://localhost"}]}`,
		// Duplicate channel
		`notifiers: {webhooks: [{channel: email, url: "http://a"}, {channel: email, url: "http://b"}]}`,
		// Bad condition
		`bindings: {defaults: {condition: "true }}"}}`,
	}

	for idx, test := range tests {
		_, err := LoadConfig(writeConfig(t, test))
		require.Error(t, err, "test %d", idx)
	}
}
