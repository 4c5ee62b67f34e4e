package process

import (
	"fmt"
	"os"
	"strings"
)

// Command describes how to launch one service process.
type Command struct {
	Argv []string          `json:"argv"`
	Dir  string            `json:"dir,omitempty"`
	Env  map[string]string `json:"env,omitempty"` // overrides merged over the inherited environment
}

func (c Command) String() string { return strings.Join(c.Argv, " ") }

// Validate checks that the command can be handed to a launcher.
func (c Command) Validate() error {
	if len(c.Argv) == 0 || strings.TrimSpace(c.Argv[0]) == "" {
		return fmt.Errorf("empty command")
	}
	if c.Dir != "" {
		fi, err := os.Stat(c.Dir)
		if err != nil {
			return fmt.Errorf("invalid working directory %q: %w", c.Dir, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("invalid working directory %q: not a directory", c.Dir)
		}
	}
	return nil
}

// SplitCommand turns a command line into argv.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func SplitCommand(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return nil
	}
	if shell, afterC, ok := parseExplicitShell(cmdStr); ok {
		return []string{shell, "-c", afterC}
	}
	// Fallback: when metacharacters are present, use /bin/sh -c
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return []string{"/bin/sh", "-c", cmdStr}
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "bash -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c ", "/usr/bin/bash -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
