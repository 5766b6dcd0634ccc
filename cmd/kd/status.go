package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kd/internal/session"
	"kd/internal/ticket"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current workstream at a glance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			branch, err := a.branchSlug()
			if err != nil {
				return err
			}
			fmt.Println(bold("branch:"), branch)

			tickets, err := a.tickets.List(branch)
			if err != nil {
				return err
			}
			counts := map[ticket.Status]int{}
			for _, t := range tickets {
				counts[t.Status]++
			}
			fmt.Printf("%s %d open, %d in progress, %d in review, %d closed\n",
				bold("tasks:"),
				counts[ticket.StatusOpen], counts[ticket.StatusInProgress],
				counts[ticket.StatusInReview], counts[ticket.StatusClosed])

			active, err := a.sessions.ListActive(branch)
			if err != nil {
				return err
			}
			if len(active) == 0 {
				fmt.Println(bold("sessions:"), gray("none active"))
			} else {
				fmt.Println(bold("sessions:"))
				for _, s := range active {
					idle := time.Since(s.LastActivity).Round(time.Second)
					fmt.Printf("  %s %s %s task=%s pid=%d %s\n",
						s.Agent, cyan(string(s.Status)), gray(s.Backend), s.TicketID, s.PID,
						gray(fmt.Sprintf("idle %s", idle)))
				}
			}

			// Sessions waiting on the King do not hold a live process, so they
			// fall outside the active list; surface them separately.
			all, err := a.sessions.List(branch)
			if err != nil {
				return err
			}
			for _, s := range all {
				if s.Status == session.StatusNeedsKingReview && !s.Alive() {
					fmt.Printf("%s %s task=%s\n", bold("awaiting review:"), s.Agent, s.TicketID)
				}
			}
			return nil
		},
	}
}
