package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"kd/internal/council"
	"kd/internal/thread"
)

const defaultCouncilThread = "council"

func newCouncilCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "council <prompt>",
		Short: "Ask the advisory council a one-shot question",
		Long: "Sends the prompt to every configured council member concurrently and\n" +
			"prints their responses. @name mentions restrict the targets. The exchange\n" +
			"is persisted to the branch's current council thread.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			branch, err := a.branchSlug()
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")

			id := threadID
			if id == "" {
				if id, err = a.sessions.GetCurrentThread(branch); err != nil {
					return err
				}
				if id == "" {
					id = defaultCouncilThread
				}
			}
			if err := a.ensureCouncilThread(branch, id); err != nil {
				return err
			}
			if err := a.sessions.SetCurrentThread(branch, id); err != nil {
				return err
			}

			if _, _, err := a.threads.AppendMessage(branch, id, "king", "", prompt, nil); err != nil {
				return err
			}

			targets := a.council.ResolveTargets(prompt, nil)
			if len(targets) == 0 {
				return fmt.Errorf("no council members to ask")
			}
			fmt.Println(cyan("asking"), strings.Join(targets, ", "), gray("thread "+id))

			responses, err := a.council.QueryToThread(branch, id, prompt, targets, council.QueryOptions{})
			if err != nil {
				return err
			}
			for _, resp := range responses {
				fmt.Println()
				fmt.Println(bold("── " + resp.Member + " ──"))
				if resp.Err != nil {
					fmt.Println(red("error:"), resp.Err)
					if strings.TrimSpace(resp.Text) == "" {
						continue
					}
				}
				fmt.Println(strings.TrimSpace(resp.Text))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread to use (default: the branch's current thread)")
	return cmd
}

func (a *app) ensureCouncilThread(branch, id string) error {
	_, err := a.threads.GetThread(branch, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, thread.ErrNotFound) {
		return err
	}
	members := append([]string{"king"}, a.cfg.Council.Members...)
	_, err = a.threads.CreateThread(branch, id, members, thread.PatternCouncil)
	if errors.Is(err, thread.ErrExists) {
		return nil
	}
	return err
}
