package main

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

func newConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Inspect and manage stored conversations",
	}
	pf := cmd.PersistentFlags()
	pf.String("user", "local", "User id")
	pf.String("output", "yaml", "Output format (yaml, json)")
	pf.String("store", "", "Store driver (sqlite, memory)")
	pf.String("db", "", "SQLite database file")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations by last activity",
		RunE: withStore(func(cmd *cobra.Command, store chatstore.Store, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			convs, err := store.ListConversations(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return render(cmd, convs)
		}),
	})

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an empty conversation",
		RunE: withStore(func(cmd *cobra.Command, store chatstore.Store, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			title, _ := cmd.Flags().GetString("title")
			model, _ := cmd.Flags().GetString("model")
			if err := ensureUser(cmd.Context(), store, userID); err != nil {
				return err
			}
			conv, err := store.CreateConversation(cmd.Context(), chatstore.ConversationRecord{
				ConvID: uuid.NewString(), UserID: userID, Title: title, Model: model,
			})
			if err != nil {
				return err
			}
			return render(cmd, conv)
		}),
	}
	create.Flags().String("title", "", "Initial title (placeholder when empty)")
	create.Flags().String("model", "", "Model for this conversation")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store chatstore.Store, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			conv, ok, err := store.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok || conv.UserID != userID {
				return errors.Errorf("conversation %s not found for user %s", args[0], userID)
			}
			msgs, err := store.ListMessages(cmd.Context(), conv.ConvID)
			if err != nil {
				return err
			}
			return render(cmd, msgs)
		}),
	})

	instruct := &cobra.Command{
		Use:   "instructions",
		Short: "Set the user's custom instructions",
		RunE: withStore(func(cmd *cobra.Command, store chatstore.Store, args []string) error {
			f := cmd.Flags()
			userID, _ := f.GetString("user")
			about, _ := f.GetString("about")
			pref, _ := f.GetString("preference")
			name, _ := f.GetString("name")
			disable, _ := f.GetBool("disable")
			if err := ensureUser(cmd.Context(), store, userID); err != nil {
				return err
			}
			if name != "" {
				u, _, err := store.GetUser(cmd.Context(), userID)
				if err != nil {
					return err
				}
				u.UserID, u.Name = userID, name
				if err := store.UpsertUser(cmd.Context(), u); err != nil {
					return err
				}
			}
			in := chatstore.InstructionRecord{UserID: userID, AboutUser: about, Preference: pref, Active: !disable}
			if err := store.UpsertInstruction(cmd.Context(), in); err != nil {
				return err
			}
			return render(cmd, in)
		}),
	}
	instruct.Flags().String("about", "", "What the assistant should know about the user")
	instruct.Flags().String("preference", "", "How the assistant should answer")
	instruct.Flags().String("name", "", "Display name used in the system prompt")
	instruct.Flags().Bool("disable", false, "Store the instructions inactive")
	cmd.AddCommand(instruct)

	return cmd
}

func withStore(fn func(cmd *cobra.Command, store chatstore.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyStoreFlags(cmd, &cfg)
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		return fn(cmd, store, args)
	}
}

func openStore(cfg config.Config) (chatstore.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return webchat.OpenStore(cfg.Store)
}

func render(cmd *cobra.Command, v any) error {
	format, _ := cmd.Flags().GetString("output")
	return writeOutput(cmd.OutOrStdout(), format, v)
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}
