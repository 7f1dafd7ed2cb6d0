package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenCert(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"gencert", "--dir", dir, "--host", "localhost"})
	require.NoError(t, cmd.Execute())

	assert.FileExists(t, filepath.Join(dir, "cert.pem"))
	assert.FileExists(t, filepath.Join(dir, "key.pem"))
	assert.Contains(t, out.String(), "cert.pem")
}

func TestServeRejectsMissingCertificate(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--port", "7999"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate and key files are required")
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("XENO_BACKLOG", "0")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--cert", "c.pem", "--key", "k.pem"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backlog")
}

func TestHTTP2LimitFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"frame size below minimum", []string{"--max-frame-size", "1024"}, "max frame size 1024"},
		{"header list too small", []string{"--max-header-list-size", "100"}, "max header list size 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(append([]string{"--cert", "c.pem", "--key", "k.pem"}, tt.args...))
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "xeno.log")
	logger, err := newLogger(false, file)
	require.NoError(t, err)
	logger.Info("bound")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"bound"`)
}
