package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	syncwire "github.com/syncwire/syncwire-go"
)

func init() {
	sendCmd.Flags().String("reply-to", "", "message ID this message replies to")
	sendCmd.Flags().String("kind", "text", "message kind (text, image, file, system)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := newEngine(false)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		replyTo, _ := cmd.Flags().GetString("reply-to")
		kind, _ := cmd.Flags().GetString("kind")
		opts := syncwire.SendOptions{Kind: syncwire.MessageKind(kind), ReplyTo: replyTo}

		provisional, result := eng.SendMessage(ctx, args[0], args[1], &opts)
		fmt.Printf("sending (provisional %s)...\n", provisional.ID)

		res := <-result
		if res.Err != nil {
			return fmt.Errorf("send failed: %w", res.Err)
		}
		fmt.Printf("confirmed as %s at %s\n", res.Message.ID, res.Message.CreatedAt.Format(time.RFC3339))
		return nil
	},
}
