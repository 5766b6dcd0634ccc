package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kd/internal/config"
	"kd/internal/gitx"
	"kd/internal/layout"
)

// Runtime state is per-checkout; only the markdown/config surface is tracked.
const kdGitignore = `branches/*/sessions/
branches/*/logs/
branches/*/state.json
branches/*/threads/*/.stream-*.jsonl
worktrees/
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .kd state directory in this repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			repo, err := gitx.RepoRoot(cwd)
			if err != nil {
				return fmt.Errorf("kd init must run inside a git repository")
			}
			l := layout.New(repo)
			if _, err := os.Stat(l.ConfigPath()); err == nil {
				return fmt.Errorf("%s already initialized", l.Base())
			}

			for _, dir := range []string{l.Base(), l.BacklogTicketsDir()} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := writeDefaultConfig(l.ConfigPath()); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(l.Base(), ".gitignore"), []byte(kdGitignore), 0o644); err != nil {
				return err
			}
			fmt.Println(green("initialized"), l.Base())
			fmt.Println(gray("edit " + l.ConfigPath() + " to configure council members and agents"))
			return nil
		},
	}
}

// writeDefaultConfig materializes the council defaults so the tracked config
// is self-documenting. Harness and agent blocks stay implicit until needed.
func writeDefaultConfig(path string) error {
	seed := map[string]any{
		"council": map[string]any{
			"members": []string{"claude", "codex", "cursor"},
			"timeout": 600,
			"mode":    config.ModeBroadcast,
		},
	}
	data, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
