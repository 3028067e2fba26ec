package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognoxlabs/sofia/internal/config"
	"github.com/cognoxlabs/sofia/internal/convo"
)

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convos"},
		Short:   "Inspect and manage stored conversations",
	}
	cmd.AddCommand(conversationsListCmd())
	cmd.AddCommand(conversationsCloseCmd())
	return cmd
}

func conversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			conversations, err := store.List(context.Background())
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(conversations) == 0 {
				fmt.Println("no conversations")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tNAME\tSTATUS\tUPDATED")
			for _, c := range conversations {
				name := c.DisplayName
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.Key, name, c.Status, c.Updated.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func conversationsCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Close a conversation (the next inbound message reopens it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetStatus(context.Background(), args[0], convo.StatusClosed); err != nil {
				return fmt.Errorf("close conversation: %w", err)
			}
			fmt.Printf("conversation %s closed\n", args[0])
			return nil
		},
	}
}

func openStoreFromConfig() (convo.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openStore(cfg)
}
