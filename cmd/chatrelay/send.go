package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/eventbus"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Stream one assistant reply to stdout without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSend,
	}
	f := cmd.Flags()
	f.String("user", "local", "User id the conversation belongs to")
	f.String("conv", "", "Conversation id (a new conversation is created when empty)")
	f.String("format", "text", "Output format (text, sse)")
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyStoreFlags(cmd, &cfg)
	applyLLMFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	f := cmd.Flags()
	userID, _ := f.GetString("user")
	convID, _ := f.GetString("conv")
	format, _ := f.GetString("format")

	store, err := webchat.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	client, err := webchat.NewLLMClient(cfg.LLM)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if convID == "" {
		if err := ensureUser(ctx, store, userID); err != nil {
			return err
		}
		conv, err := store.CreateConversation(ctx, chatstore.ConversationRecord{ConvID: uuid.NewString(), UserID: userID, Model: cfg.LLM.Model})
		if err != nil {
			return errors.Wrap(err, "create conversation")
		}
		convID = conv.ConvID
		log.Info().Str("conv_id", convID).Msg("created conversation")
	}

	svc, err := webchat.NewChatService(webchat.ChatServiceConfigFor(cfg, store, client, log.Logger))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	d := webchat.Delivery{Sink: textSink(out), Disconnect: ctx.Done()}
	if format == "sse" {
		sse := eventbus.NewSSESink(out)
		d = webchat.Delivery{Sink: sse, Heartbeat: sse, Disconnect: ctx.Done()}
	} else if format != "text" {
		return errors.Errorf("unknown format %q", format)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.RequestTimeout)
	defer cancel()
	resp, err := svc.StreamMessage(runCtx, webchat.StreamRequest{
		ConvID:  convID,
		UserID:  userID,
		Message: strings.Join(args, " "),
	}, d)
	if err != nil {
		return err
	}
	if resp.Title.Persisted {
		log.Info().Str("conv_id", convID).Str("title", resp.Title.Title).Msg("conversation titled")
	}
	return nil
}

// textSink prints reply deltas as they arrive and ends the line on the terminal event.
func textSink(w io.Writer) relay.EventSink {
	return relay.EventSinkFunc(func(_ context.Context, ev relay.StreamEvent) error {
		if ev.IsTitle() {
			if ev.IsComplete && !ev.IsError {
				_, err := fmt.Fprintf(w, "# %s\n", ev.Content)
				return err
			}
			return nil
		}
		switch {
		case ev.IsError:
			_, err := fmt.Fprintln(w, ev.Content)
			return err
		case ev.IsComplete:
			_, err := fmt.Fprintln(w)
			return err
		default:
			_, err := io.WriteString(w, ev.Content)
			return err
		}
	})
}

func ensureUser(ctx context.Context, store chatstore.Store, userID string) error {
	_, ok, err := store.GetUser(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "load user")
	}
	if ok {
		return nil
	}
	return errors.Wrap(store.UpsertUser(ctx, chatstore.UserRecord{UserID: userID, Name: userID}), "create user")
}
