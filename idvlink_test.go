package idvlink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/idvlink/internal/config"
	"github.com/danmuck/idvlink/internal/testutil/testlog"
)

func TestLoadConfigAppliesEnv(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "idvlink.toml")
	require.NoError(t, config.WriteTemplate(path, false))
	t.Setenv(config.EnvMaxRetries, "5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "https://idv.example.com/v1/webhook/session", cfg.ChannelEndpointURL)
}

func TestLoadConfigRejectsBadEnv(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "idvlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(config.Template()), 0o600))
	t.Setenv(config.EnvMaxRetries, "many")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestNewStartsInIdle(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ChannelEndpointURL = "https://idv.example.com/v1/webhook/session"
	cfg.AuxiliaryAppURL = "https://app.example.com/verify"

	var statuses []Status
	o, err := New(cfg, SinkFuncs{Status: func(s Status) { statuses = append(statuses, s) }})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, o.State().Status)

	o.Close()
	select {
	case <-o.Done():
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.Equal(t, []Status{StatusDisconnected}, statuses)
}

func TestWithRegistererCollectsSessionMetrics(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ChannelEndpointURL = "https://idv.example.com/v1/webhook/session"
	cfg.AuxiliaryAppURL = "https://app.example.com/verify"
	reg := prometheus.NewRegistry()

	o, err := New(cfg, nil, WithRegisterer(reg))
	require.NoError(t, err)
	o.Close()
	<-o.Done()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "idvlink_session_status_transitions_total")
}
