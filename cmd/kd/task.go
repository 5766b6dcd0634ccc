package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"kd/internal/gitx"
	"kd/internal/harness"
	"kd/internal/session"
	"kd/internal/ticket"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskStartCmd(),
		newTaskShowCmd(),
		newTaskCloseCmd(),
		newTaskReopenCmd(),
		newTaskListCmd(),
	)
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var description string
	var criteria []string
	var backlog bool
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task on the current branch (or the backlog)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			branch := ""
			if !backlog {
				branch, err = a.branchSlug()
				if err != nil {
					return err
				}
			}
			t, err := a.tickets.Create(branch, args[0], description, criteria)
			if err != nil {
				return err
			}
			fmt.Println(green("created"), bold(t.ID), t.Title())
			fmt.Println(t.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringArrayVarP(&criteria, "criteria", "c", nil, "acceptance criterion (repeatable)")
	cmd.Flags().BoolVar(&backlog, "backlog", false, "create in the global backlog")
	return cmd
}

func newTaskStartCmd() *cobra.Command {
	var agentName string
	var handMode bool
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Run the autonomous harness on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			branch, err := a.branchSlug()
			if err != nil {
				return err
			}
			id := args[0]
			t, err := a.resolveBranchTicket(branch, id)
			if err != nil {
				return err
			}
			if handMode {
				t.HandMode = true
				if err := a.tickets.Save(t); err != nil {
					return err
				}
			}

			opts := harness.RunOptions{
				Branch:   branch,
				Backend:  agentName,
				HandMode: handMode,
				Worktree: a.repo,
			}
			if !handMode {
				base, err := gitx.CurrentBranch(a.repo)
				if err != nil {
					return err
				}
				worktree := a.layout.WorktreeDir(t.ID)
				taskBranch := "task/" + t.ID
				if _, err := os.Stat(worktree); os.IsNotExist(err) {
					if err := gitx.WorktreeAdd(a.repo, worktree, taskBranch, base); err != nil {
						return err
					}
				}
				opts.Worktree = worktree
				opts.FeatureBranch = base
			}

			h := harness.New(a.cfg, a.layout, a.tickets, a.threads, a.sessions)
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigs
				fmt.Fprintln(os.Stderr, yellow("stopping after current step..."))
				h.Stop()
			}()
			defer signal.Stop(sigs)

			fmt.Println(cyan("harness"), "task", bold(t.ID), "agent", agentName)
			final, err := h.Run(t.ID, opts)
			if err != nil {
				return fmt.Errorf("harness ended %s: %w", final, err)
			}
			switch final {
			case session.StatusNeedsKingReview:
				fmt.Println(green("ready for review:"), "kd accept "+t.ID, gray("or"), "kd reject "+t.ID)
			case session.StatusBlocked:
				fmt.Println(yellow("blocked;"), "see the work thread and ticket worklog")
			case session.StatusStopped:
				fmt.Println(yellow("stopped"))
			default:
				fmt.Println("final status:", string(final))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "claude", "backend agent to drive")
	cmd.Flags().BoolVar(&handMode, "hand", false, "work directly in this checkout instead of a worktree")
	return cmd
}

// resolveBranchTicket loads a branch ticket, auto-pulling it from the backlog
// when it only exists there.
func (a *app) resolveBranchTicket(branch, id string) (*ticket.Ticket, error) {
	t, err := a.tickets.Get(branch, id)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ticket.ErrInBacklog) {
		return nil, err
	}
	t, err = a.tickets.GetBacklog(id)
	if err != nil {
		return nil, err
	}
	dest := a.layout.TicketPath(branch, id)
	if err := os.Rename(t.Path, dest); err != nil {
		return nil, fmt.Errorf("pull %s from backlog: %w", id, err)
	}
	t.Path = dest
	fmt.Println(gray("pulled " + id + " from backlog"))
	return t, nil
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			t, err := a.tickets.Find(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", bold(t.ID), statusColor(t.Status), gray(t.Path))
			fmt.Println()
			fmt.Println(t.Body)
			return nil
		},
	}
}

func newTaskCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			t, err := a.tickets.Find(args[0])
			if err != nil {
				return err
			}
			if err := a.tickets.Transition(t, ticket.StatusClosed); err != nil {
				return err
			}
			fmt.Println(green("closed"), t.ID)
			return nil
		},
	}
}

func newTaskReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a closed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			t, err := a.tickets.Find(args[0])
			if err != nil {
				return err
			}
			if err := a.tickets.Transition(t, ticket.StatusOpen); err != nil {
				return err
			}
			fmt.Println(green("reopened"), t.ID)
			return nil
		},
	}
}

func newTaskListCmd() *cobra.Command {
	var backlog bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks on the current branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			var tickets []*ticket.Ticket
			if backlog {
				tickets, err = a.tickets.ListBacklog()
			} else {
				var branch string
				branch, err = a.branchSlug()
				if err != nil {
					return err
				}
				tickets, err = a.tickets.List(branch)
			}
			if err != nil {
				return err
			}
			if len(tickets) == 0 {
				fmt.Println(gray("no tasks"))
				return nil
			}
			sort.Slice(tickets, func(i, j int) bool { return tickets[i].Created.Before(tickets[j].Created) })
			for _, t := range tickets {
				fmt.Printf("%s  %-12s %s\n", bold(t.ID), statusColor(t.Status), t.Title())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&backlog, "backlog", false, "list the global backlog")
	return cmd
}

func statusColor(s ticket.Status) string {
	switch s {
	case ticket.StatusOpen:
		return cyan(string(s))
	case ticket.StatusInProgress:
		return yellow(string(s))
	case ticket.StatusInReview:
		return green(string(s))
	case ticket.StatusClosed:
		return gray(string(s))
	default:
		return string(s)
	}
}
