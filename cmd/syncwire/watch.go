package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	syncwire "github.com/syncwire/syncwire-go"
)

func init() {
	watchCmd.Flags().Bool("verbose", false, "log engine internals")
	rootCmd.AddCommand(watchCmd)
}

// newEngine builds an engine from the CLI configuration.
func newEngine(verbose bool) (*syncwire.Engine, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Server.BaseURL == "" || cfg.User.ID == "" {
		return nil, nil, fmt.Errorf("not configured; run 'syncwire init <base-url> <token> <user-id>' first")
	}

	log := zerolog.Nop()
	if verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	store := syncwire.NewHTTPStore(cfg.Server.BaseURL, cfg.Server.Token, syncwire.WithStoreLogger(log))
	sub := syncwire.NewWSSubscriber(cfg.Server.BaseURL, cfg.Server.Token, syncwire.WithWSLogger(log))
	eng := syncwire.New(store, sub, cfg.User.ID,
		syncwire.WithLogger(log),
		syncwire.WithDegradedHandler(func(err error) {
			fmt.Fprintf(os.Stderr, "connectivity degraded: %v\n", err)
		}),
	)
	return eng, cfg, nil
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Watch conversations update live",
	Long:  "Connect to the push channel and print the conversation list (or one conversation's messages) as it changes. Interrupt with Ctrl-C.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		eng, _, err := newEngine(verbose)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng.Start(ctx)
		defer eng.Close()

		if err := eng.Reconcile(ctx); err != nil {
			return fmt.Errorf("initial fetch failed: %w", err)
		}

		var conversationID string
		if len(args) == 1 {
			conversationID = args[0]
			if err := eng.OpenConversation(ctx, conversationID); err != nil {
				return err
			}
			if _, _, err := eng.LoadOlder(ctx, conversationID); err != nil {
				return err
			}
		}

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if conversationID != "" {
					printConversation(eng, conversationID)
				} else {
					printOverview(eng)
				}
			}
		}
	},
}

func printOverview(eng *syncwire.Engine) {
	convs := eng.Conversations()
	fmt.Printf("\n── %d conversations, %d online ──\n", len(convs), len(eng.OnlineUsers()))
	for _, conv := range convs {
		marker := " "
		if conv.UnreadCount > 0 {
			marker = fmt.Sprintf("(%d)", conv.UnreadCount)
		}
		title := conv.Title
		if title == "" {
			title = conv.ID
		}
		fmt.Printf("%-24s %-4s %s\n", title, marker, conv.LastMessagePreview)
	}
}

func printConversation(eng *syncwire.Engine, conversationID string) {
	msgs := eng.Messages(conversationID)
	fmt.Printf("\n── %s (%d messages) ──\n", conversationID, len(msgs))
	for _, msg := range msgs {
		status := ""
		if msg.ID.Provisional() {
			status = " [sending]"
		}
		fmt.Printf("%s %s: %s%s\n", msg.CreatedAt.Format("15:04:05"), msg.SenderID, msg.Content, status)
	}
	if typing := eng.TypingUsers(conversationID); len(typing) > 0 {
		fmt.Printf("typing: %s\n", strings.Join(typing, ", "))
	}
}
