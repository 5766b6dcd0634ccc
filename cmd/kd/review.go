package main

import (
	"fmt"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"kd/internal/gitx"
	"kd/internal/harness"
	"kd/internal/layout"
	"kd/internal/session"
	"kd/internal/ticket"
)

func newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept reviewed work: merge (worktree mode) and close the task",
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
			t, err := a.tickets.Get(branch, args[0])
			if err != nil {
				return err
			}
			if t.Status != ticket.StatusInReview {
				return fmt.Errorf("task %s is %s, not in_review", t.ID, t.Status)
			}

			if !t.HandMode {
				// The merge lands on the branch the worktree was cut from.
				// Accepting from anywhere else would merge into the wrong line.
				current, err := gitx.CurrentBranch(a.repo)
				if err != nil {
					return err
				}
				if layout.MustSlug(current) != branch {
					return fmt.Errorf("current git branch %s does not match workstream %s; check it out first", current, branch)
				}
				if isTTY() {
					prompt := promptui.Prompt{
						Label:     fmt.Sprintf("Merge task/%s into %s and close %s", t.ID, current, t.ID),
						IsConfirm: true,
					}
					if _, err := prompt.Run(); err != nil {
						return fmt.Errorf("aborted")
					}
				}
				if err := gitx.Merge(a.repo, "task/"+t.ID); err != nil {
					return err
				}
				if err := gitx.WorktreeRemove(a.repo, a.layout.WorktreeDir(t.ID), true); err != nil {
					fmt.Println(yellow("worktree cleanup failed:"), err)
				}
				if err := gitx.DeleteBranch(a.repo, "task/"+t.ID, true); err != nil {
					fmt.Println(yellow("branch cleanup failed:"), err)
				}
			}

			if err := a.tickets.Transition(t, ticket.StatusClosed); err != nil {
				return err
			}
			if _, err := a.sessions.Update(branch, harness.SessionName(t.ID), func(s *session.AgentState) {
				s.Status = session.StatusDone
				s.LastActivity = time.Now().UTC()
			}); err != nil {
				return err
			}
			fmt.Println(green("accepted"), t.ID)
			return nil
		},
	}
}

func newRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject reviewed work and send it back with feedback",
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
			t, err := a.tickets.Get(branch, args[0])
			if err != nil {
				return err
			}
			if t.Status != ticket.StatusInReview {
				return fmt.Errorf("task %s is %s, not in_review", t.ID, t.Status)
			}

			if feedback != "" {
				if _, _, err := a.threads.AppendMessage(branch, harness.WorkThreadID(t.ID),
					harness.KingSender, harness.PeasantSender, feedback, nil); err != nil {
					return err
				}
			}
			if err := a.tickets.Transition(t, ticket.StatusInProgress); err != nil {
				return err
			}
			// A rejection starts a fresh review cycle; the bounce budget resets.
			if _, err := a.sessions.Update(branch, harness.SessionName(t.ID), func(s *session.AgentState) {
				s.Status = session.StatusIdle
				s.ReviewBounceCount = 0
				s.LastActivity = time.Now().UTC()
			}); err != nil {
				return err
			}
			fmt.Println(yellow("rejected"), t.ID)
			fmt.Println(gray("resume with: kd task start " + t.ID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&feedback, "message", "m", "", "feedback for the worker")
	return cmd
}
