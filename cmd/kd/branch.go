package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"kd/internal/gitx"
	"kd/internal/layout"
)

func newBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branch workstreams",
	}
	cmd.AddCommand(newBranchStartCmd(), newBranchDoneCmd(), newBranchListCmd())
	return cmd
}

func newBranchStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Create a branch workstream (and the git branch when missing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			name := args[0]
			slug, err := layout.Slug(name)
			if err != nil {
				return err
			}
			if _, err := os.Stat(a.layout.BranchDir(slug)); err == nil {
				return fmt.Errorf("workstream %s already exists", slug)
			}
			if _, err := os.Stat(a.layout.ArchiveBranchDir(slug)); err == nil {
				return fmt.Errorf("workstream %s is archived; pick another name", slug)
			}

			if gitx.BranchExists(a.repo, name) {
				if err := gitx.Checkout(a.repo, name); err != nil {
					return err
				}
			} else if err := gitx.CheckoutNew(a.repo, name); err != nil {
				return err
			}

			for _, dir := range []string{
				a.layout.TicketsDir(slug),
				a.layout.ThreadsDir(slug),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			fmt.Println(green("started"), slug, gray("(git branch "+name+")"))
			return nil
		},
	}
}

func newBranchDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done",
		Short: "Archive the current branch workstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			slug, err := a.branchSlug()
			if err != nil {
				return err
			}
			active, err := a.sessions.ListActive(slug)
			if err != nil {
				return err
			}
			if len(active) > 0 {
				return fmt.Errorf("%d session(s) still active on %s; stop them first", len(active), slug)
			}
			if isTTY() {
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Archive workstream %s", slug),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					return fmt.Errorf("aborted")
				}
			}

			// The tracked markdown moves wholesale; runtime files ride along
			// but are gitignored either way.
			dest := a.layout.ArchiveBranchDir(slug)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := os.Rename(a.layout.BranchDir(slug), dest); err != nil {
				return err
			}
			fmt.Println(green("archived"), slug)
			return nil
		},
	}
}

func newBranchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List branch workstreams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			slugs, err := a.layout.ListBranches()
			if err != nil {
				return err
			}
			if len(slugs) == 0 {
				fmt.Println(gray("no workstreams"))
				return nil
			}
			current, _ := gitx.CurrentBranch(a.repo)
			currentSlug := layout.MustSlug(current)
			for _, slug := range slugs {
				marker := " "
				if slug == currentSlug {
					marker = bold("*")
				}
				tickets, _ := a.tickets.List(slug)
				fmt.Printf("%s %s %s\n", marker, slug, gray(fmt.Sprintf("(%d tickets)", len(tickets))))
			}
			return nil
		},
	}
}
