package process

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "   ", nil},
		{"plain argv", "node src/server.mjs", []string{"node", "src/server.mjs"}},
		{"extra spaces", "  ollama   serve ", []string{"ollama", "serve"}},
		{"metachar wraps in shell", "echo hi | wc -c", []string{"/bin/sh", "-c", "echo hi | wc -c"}},
		{"env assignment stays argv", "OLLAMA_HOST=0.0.0.0:11434 ollama serve", []string{"OLLAMA_HOST=0.0.0.0:11434", "ollama", "serve"}},
		{"explicit sh not double wrapped", "sh -c 'echo hi'", []string{"sh", "-c", "echo hi"}},
		{"explicit bash keeps inner quotes", `bash -c "OLLAMA_HOST=0.0.0.0 ollama serve"`, []string{"bash", "-c", "OLLAMA_HOST=0.0.0.0 ollama serve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitCommand(tt.in))
		})
	}
}

func TestCommand_Validate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Command{Argv: []string{"true"}, Dir: dir}.Validate())

	err := Command{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty command")

	err = Command{Argv: []string{"true"}, Dir: filepath.Join(dir, "missing")}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid working directory")
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "node src/sync.mjs --watch", Command{Argv: []string{"node", "src/sync.mjs", "--watch"}}.String())
}

func TestExitStatus_String(t *testing.T) {
	assert.Equal(t, "exit code 1", ExitStatus{Code: 1}.String())
	st := ExitStatus{Code: -1, Signal: "signal: killed"}
	assert.True(t, st.Killed())
	assert.Equal(t, "killed (signal: killed)", st.String())
}
