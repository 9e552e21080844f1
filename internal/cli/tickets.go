package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/spf13/cobra"
)

var ticketsStatus string

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List tickets",
	Long: `List tickets, most recently updated first.

Examples:
  chatsync tickets
  chatsync tickets --status closed
  chatsync tickets --status all -v`,
	RunE: runTickets,
}

func init() {
	ticketsCmd.Flags().StringVar(&ticketsStatus, "status", "open", "filter by status (open, closed, all)")
}

func runTickets(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	status := models.TicketStatus(ticketsStatus)
	if ticketsStatus == "all" {
		status = ""
	} else if !status.Valid() {
		return fmt.Errorf("invalid status %q: use open, closed or all", ticketsStatus)
	}

	tickets, err := apiClient.Tickets(ctx, status)
	if err != nil {
		return err
	}
	printTickets(cmd.OutOrStdout(), tickets, verbose)
	return nil
}

func printTickets(w io.Writer, tickets []models.WireTicket, detailed bool) {
	if len(tickets) == 0 {
		fmt.Fprintln(w, "No tickets found.")
		return
	}

	fmt.Fprintf(w, "Tickets (%d):\n\n", len(tickets))
	for _, t := range tickets {
		agent := ""
		if t.AssignedAgentID != nil {
			agent = " agent=" + *t.AssignedAgentID
		}
		fmt.Fprintf(w, "- %s [%s/%s] user=%s%s\n", t.ID, t.Status, t.ChatMode, t.UserID, agent)
		if detailed {
			fmt.Fprintf(w, "  Updated: %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "  Online:  user=%t agent=%t\n", t.UserOnline, t.AgentOnline)
			if t.Rating != nil {
				fmt.Fprintf(w, "  Rating:  %d/%d\n", *t.Rating, models.MaxRating)
			}
		}
	}
}
