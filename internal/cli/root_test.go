package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LunarStudio/internal/runtime"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd(&app{registry: runtime.Registry{}})

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"chat", "tui", "serve", "index", "history", "config"} {
		assert.Contains(t, names, want)
	}
	_, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
}

func TestConfigCommandLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lunarstudio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  type: tcp\n  port: 5555\nlogging:\n  dir: "+t.TempDir()+"\n"), 0o644))

	a := &app{registry: runtime.Registry{}}
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path})

	require.NoError(t, root.Execute())
	assert.Zero(t, a.exitCode)
	assert.Equal(t, "tcp", a.cfg.Server.Type)
	assert.Contains(t, out.String(), "port: 5555")
}

func TestMissingConfigFileFails(t *testing.T) {
	root := newRootCmd(&app{registry: runtime.Registry{}})
	root.SetArgs([]string{"config", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	assert.ErrorContains(t, err, "not found")
}
