package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/chatsync/internal/client"
	"github.com/raphaelgruber/chatsync/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// joinFlags are the identity flags shared by watch and chat.
type joinFlags struct {
	user     string
	ticket   string
	agent    string
	name     string
	clientID string
}

func (f *joinFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "join as this customer")
	cmd.Flags().StringVarP(&f.ticket, "ticket", "t", "", "ticket to join (agents)")
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "join as this agent")
	cmd.Flags().StringVar(&f.name, "name", "", "agent display name")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "client id (default: a fresh one per run)")
}

func (f *joinFlags) options() (client.JoinOptions, error) {
	if (f.user == "") == (f.agent == "") {
		return client.JoinOptions{}, fmt.Errorf("pass exactly one of --user or --agent")
	}
	if f.agent != "" && f.ticket == "" {
		return client.JoinOptions{}, fmt.Errorf("--agent needs --ticket")
	}
	return client.JoinOptions{
		UserID:    f.user,
		TicketID:  f.ticket,
		AgentID:   f.agent,
		AgentName: f.name,
		ClientID:  f.clientID,
	}, nil
}

// viewer returns the sender type the joined participant writes as.
func (f *joinFlags) viewer() string {
	if f.agent != "" {
		return "staff"
	}
	return "user"
}

var (
	watchJoin  joinFlags
	watchPlain bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a conversation",
	Long: `Follow a conversation live: messages, confirmations, presence and
connection changes are printed as they happen.

Examples:
  chatsync watch --user u-123
  chatsync watch --agent a-7 --name Dana --ticket 0b1c...
  chatsync watch --user u-123 --plain > transcript.log`,
	RunE: runWatch,
}

func init() {
	watchJoin.register(watchCmd)
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "disable colors even on a terminal")
}

func runWatch(cmd *cobra.Command, args []string) error {
	opts, err := watchJoin.options()
	if err != nil {
		return err
	}

	theme := plainTheme
	if !watchPlain && term.IsTerminal(int(os.Stdout.Fd())) {
		theme = defaultTheme
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var t transcript
	err = apiClient.Watch(ctx, opts, func(f server.ServerFrame) error {
		if !t.apply(f) {
			return nil
		}
		printFrame(out, theme, f, &t)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// printFrame writes the lines a frame adds to a followed conversation.
func printFrame(w io.Writer, theme Theme, f server.ServerFrame, t *transcript) {
	switch f.Type {
	case server.FrameSnapshot:
		fmt.Fprintln(w, t.header(theme))
		for _, m := range t.messages {
			fmt.Fprintln(w, formatMessage(theme, m))
		}
	case server.FrameMessage, server.FrameReplace:
		if f.Message != nil {
			fmt.Fprintln(w, formatMessage(theme, *f.Message))
		}
	case server.FrameRemove:
		fmt.Fprintln(w, theme.hintStyle().Render("(message "+f.CorrelationID+" withdrawn)"))
	case server.FrameTicket:
		fmt.Fprintln(w, t.header(theme))
		if who := t.typing(""); who != "" && verbose {
			fmt.Fprintln(w, theme.hintStyle().Render(who+" is typing..."))
		}
	case server.FrameConnection:
		fmt.Fprintln(w, theme.statusStyle().Render("connection: "+t.conn))
	case server.FrameError:
		if f.Error != nil {
			fmt.Fprintln(w, theme.errorStyle().Render(fmt.Sprintf("✗ %s (%s)", f.Error.Message, f.Error.Code)))
		}
	}
}
