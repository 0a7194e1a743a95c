package cmd

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

const testMasterKey = "0909090909090909090909090909090909090909090909090909090909090909"

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(t.Context()), out.String())
	return out.String()
}

func TestNewLogger(t *testing.T) {
	t.Run("Fanout", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		var stdout bytes.Buffer
		logger, closeLog, err := newLogger(fs, &stdout, "debug", "/var/log/ironca/ironca.log")
		require.NoError(t, err)
		logger.Debug("hello", "component", "test")
		require.NoError(t, closeLog())

		assert.Contains(t, stdout.String(), "msg=hello")
		data, err := afero.ReadFile(fs, "/var/log/ironca/ironca.log")
		require.NoError(t, err)
		var entry map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
		assert.Equal(t, "hello", entry["msg"])
		assert.Equal(t, "test", entry["component"])
	})

	t.Run("LevelFilters", func(t *testing.T) {
		var stdout bytes.Buffer
		logger, _, err := newLogger(afero.NewMemMapFs(), &stdout, "warn", "")
		require.NoError(t, err)
		logger.Info("quiet")
		logger.Warn("loud")
		assert.NotContains(t, stdout.String(), "quiet")
		assert.Contains(t, stdout.String(), "loud")
	})

	t.Run("BadLevel", func(t *testing.T) {
		_, _, err := newLogger(afero.NewMemMapFs(), &bytes.Buffer{}, "chatty", "")
		assert.Error(t, err)
	})
}

func TestOpenRepository(t *testing.T) {
	fs := afero.NewOsFs()
	dir := t.TempDir()

	for _, backend := range []string{"memory", "bbolt", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			repo, closeRepo, err := openRepository(t.Context(), fs, config{Storage: backend, DataDir: filepath.Join(dir, backend)})
			require.NoError(t, err)
			defer closeRepo()
			_, err = repo.List(t.Context(), "certificate")
			assert.NoError(t, err)
		})
	}

	t.Run("PostgresNeedsDSN", func(t *testing.T) {
		_, _, err := openRepository(t.Context(), fs, config{Storage: "postgres"})
		assert.Error(t, err)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, _, err := openRepository(t.Context(), fs, config{Storage: "floppy"})
		assert.Error(t, err)
	})
}

func TestOpenComponents(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/ironca/master.key", []byte(testMasterKey+"\n"), 0o600))

	c, err := openComponents(t.Context(), fs, config{
		Storage:       "memory",
		DataDir:       "/data",
		MasterKeyFile: "/etc/ironca/master.key",
		KeyAlgorithm:  string(pki.AlgorithmECDSAP256),
		PublicURL:     "https://ca.test",
	}, discard())
	require.NoError(t, err)
	defer c.close()
	assert.NotEmpty(t, c.keys.MasterKeyID())

	_, err = openComponents(t.Context(), fs, config{Storage: "memory", MasterKey: testMasterKey, KeyAlgorithm: "dsa"}, discard())
	assert.Error(t, err)

	_, err = openComponents(t.Context(), fs, config{Storage: "memory"}, discard())
	assert.Error(t, err, "a master key is required")
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IRONCA_MASTER_KEY", testMasterKey)
	t.Setenv("IRONCA_JWT_SECRET", strings.Repeat("j", 32))
	common := []string{"--storage", "sqlite", "--data-dir", dir, "--sqlite-path", filepath.Join(dir, "ironca.sqlite")}

	t.Run("Version", func(t *testing.T) {
		assert.Equal(t, Version+"\n", run(t, "version"))
	})

	t.Run("MasterKeyGenerate", func(t *testing.T) {
		out := strings.TrimSpace(run(t, "masterkey", "generate"))
		assert.Len(t, out, 64)
	})

	t.Run("UserAndToken", func(t *testing.T) {
		out := run(t, append([]string{"user", "add", "--id", "alice", "--role", "ADMINISTRATOR", "--organization", "Acme"}, common...)...)
		assert.Contains(t, out, "user alice saved")

		out = run(t, append([]string{"user", "list"}, common...)...)
		assert.Contains(t, out, "alice\tADMINISTRATOR\tAcme")

		token := strings.TrimSpace(run(t, append([]string{"token", "--user", "alice"}, common...)...))
		assert.Len(t, strings.Split(token, "."), 3)
	})

	t.Run("MasterKeyRotate", func(t *testing.T) {
		next := strings.Repeat("0a", 32)
		out := run(t, append([]string{"masterkey", "rotate", "--new-key", next}, common...)...)
		assert.Contains(t, out, "rewrapped")
	})
}
