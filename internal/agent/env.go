package agent

import (
	"os"
	"strings"
)

// Host variables that would make a spawned agent CLI believe it is running
// inside another agent session. Matched case-insensitively, by exact name or
// prefix. Centralized here so no call site grows its own ad-hoc filtering.
var scrubExact = []string{
	"claudecode",
	"claude_code",
	"cursor_agent",
	"codex_sandbox",
}

var scrubPrefixes = []string{
	"claude_code_",
	"codex_sandbox_",
	"cursor_trace_",
}

// BuildEnv returns the host environment with agent-identity variables removed
// and extra merged on top.
func BuildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || scrubbed(name) {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func scrubbed(name string) bool {
	lower := strings.ToLower(name)
	for _, exact := range scrubExact {
		if lower == exact {
			return true
		}
	}
	for _, prefix := range scrubPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
