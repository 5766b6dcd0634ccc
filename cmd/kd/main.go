// Command kd orchestrates multi-agent development workstreams inside a git
// repository. All durable state lives under <repo>/.kd as markdown and JSON;
// kd is the only writer of sequence-sensitive files.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kd/internal/config"
	"kd/internal/council"
	"kd/internal/gitx"
	"kd/internal/layout"
	"kd/internal/logging"
	"kd/internal/session"
	"kd/internal/thread"
	"kd/internal/ticket"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// app bundles everything a command needs once the repository is resolved.
type app struct {
	repo     string
	layout   *layout.Layout
	cfg      *config.Config
	tickets  *ticket.Store
	threads  *thread.Store
	sessions *session.Store
	council  *council.Orchestrator
}

// loadApp resolves the enclosing git repository and opens the stores. Color
// is disabled automatically when stdout is not a terminal.
func loadApp() (*app, error) {
	if !isTTY() {
		color.NoColor = true
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	repo, err := gitx.RepoRoot(cwd)
	if err != nil {
		return nil, fmt.Errorf("not inside a git repository (run kd from a checkout)")
	}
	l := layout.New(repo)
	cfg, err := config.Load(l.ConfigPath())
	if err != nil {
		return nil, err
	}
	a := &app{
		repo:     repo,
		layout:   l,
		cfg:      cfg,
		tickets:  ticket.NewStore(l),
		threads:  thread.NewStore(l),
		sessions: session.NewStore(l),
	}
	a.council = council.New(cfg, l, a.threads)
	return a, nil
}

// branchSlug returns the slug of the current git branch and verifies its
// workstream directory exists.
func (a *app) branchSlug() (string, error) {
	name, err := gitx.CurrentBranch(a.repo)
	if err != nil {
		return "", err
	}
	slug, err := layout.Slug(name)
	if err != nil {
		return "", fmt.Errorf("branch %q: %w", name, err)
	}
	if _, err := os.Stat(a.layout.BranchDir(slug)); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no workstream for branch %s (run: kd branch start %s)", name, name)
		}
		return "", err
	}
	// Branch-scoped commands log next to the state they touch.
	logging.SetLogFile(filepath.Join(a.layout.LogsDir(slug), "kd.log"))
	return slug, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kd",
		Short:         "Multi-agent development workstreams",
		Long:          "kd runs autonomous worker agents and an advisory council over durable,\nhuman-editable state stored under <repo>/.kd.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newInitCmd(),
		newBranchCmd(),
		newTaskCmd(),
		newCouncilCmd(),
		newChatCmd(),
		newAcceptCmd(),
		newRejectCmd(),
		newStatusCmd(),
		newLogsCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}
