package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigPathHonoursFlagAndEnv(t *testing.T) {
	out, err := execute(t, "config", "path", "--config", "/tmp/flag.toml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flag.toml", strings.TrimSpace(out))

	t.Setenv("OOPSTIME_CONFIG", "/tmp/env.toml")
	out, err = execute(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.toml", strings.TrimSpace(out))

	// The flag wins over the environment.
	out, err = execute(t, "config", "path", "--config", "/tmp/flag.toml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flag.toml", strings.TrimSpace(out))
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.toml")
	require.NoError(t, os.WriteFile(good, []byte("threshold = 0.2\ncount = 50\ninterval = 10\nafterallow = false\n"), 0o644))

	out, err := execute(t, "config", "check", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "count       50")
	assert.Contains(t, out, "more than 10 corrections in 50 keys")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("threshold = 3\ncount = 0\n"), 0o644))
	_, err = execute(t, "config", "check", "--config", bad)
	assert.Error(t, err)

	data, err := os.ReadFile(bad)
	require.NoError(t, err)
	assert.Equal(t, "threshold = 3\ncount = 0\n", string(data), "invalid file left untouched")

	_, err = execute(t, "config", "check", "--config", filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "oopstime "+Version)
}
