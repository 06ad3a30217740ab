package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	omnidesk "github.com/omnidesk-hq/omnidesk-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// inbox
	inboxUnread bool
	inboxJSON   bool

	// history
	historyPages int
	historyLimit int
	historyJSON  bool

	// send
	sendChannel string
	sendReplyTo string
	sendJSON    bool

	// watch
	watchSSE   bool
	watchToken string
)

// ============================================================================
// inbox
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx, inboxUnread)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if inboxJSON {
			b, _ := json.MarshalIndent(conversations, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.Unread > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.Unread)
			}
			name := c.Meta.ContactName
			if name == "" {
				name = c.Key
			}
			fmt.Printf("  %-30s [%s]%s  %s\n", name, c.Meta.Channel, unread, c.Preview)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Show message history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		client := getClient()
		store := omnidesk.NewConversationStore(omnidesk.WithAgent(getAgent()))

		var loaderOpts []omnidesk.LoaderOption
		if historyLimit > 0 {
			loaderOpts = append(loaderOpts, omnidesk.WithPageSize(historyLimit))
		}
		loader := omnidesk.NewHistoryLoader(client, store, loaderOpts...)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for i := 0; i < historyPages && !loader.Exhausted(key); i++ {
			if err := loader.LoadOlder(ctx, key); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		messages := store.Messages(key)
		if historyJSON {
			b, _ := json.MarshalIndent(messages, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range messages {
			arrow := "<-"
			if m.Direction == omnidesk.DirectionOutgoing {
				arrow = "->"
			}
			fmt.Printf("[%s] %s %s (%s)\n",
				m.Timestamp.Local().Format("2006-01-02 15:04:05"), arrow, m.Content.Preview(), m.Status)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <message>",
	Short: "Send a text message on a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, text := args[0], args[1]
		client := getClient()
		store := omnidesk.NewConversationStore(omnidesk.WithAgent(getAgent()))
		composer := omnidesk.NewComposer(client, store)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		confirmed, err := composer.Send(ctx, key, omnidesk.SendRequest{
			Channel: sendChannel,
			Content: omnidesk.TextContent(text),
			ReplyTo: sendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			b, _ := json.MarshalIndent(confirmed, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Message sent to %s\n", key)
		fmt.Printf("  Server ID: %s\n", confirmed.ServerID)
		fmt.Printf("  Status:    %s\n", confirmed.Status)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch [conversation...]",
	Short: "Stream realtime message events",
	Long:  "Connect to the realtime feed and print message events as they arrive.\nPass conversation keys to join their rooms; with none, only broadcast events are shown.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()
		store := omnidesk.NewConversationStore(
			omnidesk.WithAgent(getAgent()),
			omnidesk.WithReadSyncer(client),
		)

		token := watchToken
		if token == "" {
			token = cfg.Auth.Token
		}
		tc := &omnidesk.TransportConfig{Token: token, AutoReconnect: true}

		var transport omnidesk.Transport
		if watchSSE {
			transport = omnidesk.NewSSETransport(client, tc)
		} else {
			transport = omnidesk.NewWSTransport(client.BaseURL(), tc)
		}

		adapter := omnidesk.NewAdapter(transport, store)
		store.SetRooms(adapter)

		transport.On(omnidesk.EventMessageNew, printEvent)
		transport.On(omnidesk.EventMessageUpdate, printEvent)
		transport.OnConnected(func() { fmt.Println("connected") })
		transport.OnDisconnected(func(code int, reason string) {
			fmt.Printf("disconnected: %d %s\n", code, reason)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := transport.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer transport.Disconnect()

		for _, key := range args {
			adapter.Join(key)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("shutting down")
		return nil
	},
}

func printEvent(eventType string, payload json.RawMessage) {
	var ev omnidesk.MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	arrow := "<-"
	if ev.Message.Direction == omnidesk.DirectionOutgoing {
		arrow = "->"
	}
	fmt.Printf("[%s] %s %s %s (%s)\n",
		ev.Message.Timestamp.Local().Format("15:04:05"), ev.Conversation, arrow,
		ev.Message.Content.Preview(), ev.Message.Status)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	inboxCmd.Flags().BoolVar(&inboxUnread, "unread", false, "Show only unread conversations")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of history pages to load")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendChannel, "channel", "", "Channel to send on (e.g. whatsapp, telegram)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID to reply to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	watchCmd.Flags().BoolVar(&watchSSE, "sse", false, "Use the SSE transport instead of WebSocket")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Override the realtime auth token")

	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}
