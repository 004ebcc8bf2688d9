package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log:
  level: debug
manager:
  max_sessions: 10
  ring_timeout: 45s
accounts:
  - id: alice
    kind: sip
    sip:
      network: udp
      listen: 127.0.0.1:5070
      password: ${SESSIOND_TEST_SECRET}
  - id: node
    kind: p2p
`

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, Defaults().Validate())
}

func TestLoadFile(t *testing.T) {
	t.Setenv("SESSIOND_TEST_SECRET", "s3cret")
	t.Setenv("SESSIOND_METRICS_LISTEN", "127.0.0.1:9999")

	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "незаданные поля сохраняют значения по умолчанию")
	assert.Equal(t, 10, cfg.Manager.MaxSessions)
	assert.Equal(t, 45*time.Second, cfg.Manager.RingTimeout)
	assert.Equal(t, 32*time.Second, cfg.Manager.NegotiationTimeout)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)

	require.Len(t, cfg.Accounts, 2)
	require.NotNil(t, cfg.Accounts[0].SIP)
	assert.Equal(t, "s3cret", cfg.Accounts[0].SIP.Password)
	assert.Equal(t, KindP2P, cfg.Accounts[1].Kind)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv("SESSIOND_MAX_SESSIONS", "7")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Manager.MaxSessions)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateIssues(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "loud"
	cfg.Accounts = []Account{
		{ID: "a", Kind: KindSIP},
		{ID: "a", Kind: "xmpp"},
	}

	err := cfg.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	paths := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		paths = append(paths, issue.Path)
	}
	assert.Contains(t, paths, "log.level")
	assert.Contains(t, paths, "accounts[0].sip.listen")
	assert.Contains(t, paths, "accounts[1].id")
	assert.Contains(t, paths, "accounts[1].kind")
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(Defaults())
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, Parse(data, &cfg))
	assert.Equal(t, Defaults().Manager, cfg.Manager)
}
