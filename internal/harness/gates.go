package harness

import (
	"fmt"
	"os/exec"
	"strings"
)

// RunGates runs the configured quality gate commands inside the worktree.
// These are the same gates the human reviewer runs; they fire only on DONE.
// Returns ok=false with the combined failure output on the first gate that
// fails. A gate binary missing from PATH counts as a failure, not a skip.
func RunGates(dir string, gates [][]string) (bool, string) {
	for _, gate := range gates {
		if len(gate) == 0 {
			continue
		}
		cmd := exec.Command(gate[0], gate[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return false, fmt.Sprintf("gate %q failed: %v\n%s",
				strings.Join(gate, " "), err, strings.TrimSpace(string(out)))
		}
	}
	return true, ""
}
