package webchat

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/llm"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/prompt"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/title"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForbidden            = errors.New("conversation belongs to another user")
	ErrEmptyMessage         = errors.New("message is empty")
)

type ChatServiceConfig struct {
	Store  chatstore.Store
	Client llm.Client
	// Relay is the base relay; per-request copies add the placeholder checkpoint hook.
	Relay *relay.ThrottledRelay

	DefaultModel string
	Temperature  float32

	TitleModel       string
	TitleTokenBudget int
	TokenCounter     title.TokenCounter

	LivenessWindow time.Duration
	Now            func() time.Time
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// ChatService runs one streamed assistant turn per request: persistence, relay, keepalive
// and the follow-up title pass.
type ChatService struct {
	store        chatstore.Store
	client       llm.Client
	relay        *relay.ThrottledRelay
	defaultModel string
	temperature  float32
	window       time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	titleOpts []title.Option
}

func NewChatService(cfg ChatServiceConfig) (*ChatService, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat service: store is nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("chat service: llm client is nil")
	}
	s := &ChatService{
		store:        cfg.Store,
		client:       cfg.Client,
		relay:        cfg.Relay,
		defaultModel: cfg.DefaultModel,
		temperature:  cfg.Temperature,
		window:       cfg.LivenessWindow,
		now:          cfg.Now,
		logger:       log.Logger,
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	if s.relay == nil {
		s.relay = relay.NewThrottledRelay(relay.WithLogger(s.logger))
	}
	if s.defaultModel == "" {
		s.defaultModel = llm.DefaultModel
	}
	if s.temperature == 0 {
		s.temperature = llm.DefaultTemperature
	}
	if s.window <= 0 {
		s.window = relay.DefaultLivenessWindow
	}
	if s.now == nil {
		s.now = time.Now
	}
	titleModel := cfg.TitleModel
	if titleModel == "" {
		titleModel = llm.DefaultModel
	}
	s.titleOpts = []title.Option{
		title.WithModel(titleModel),
		title.WithTokenBudget(cfg.TokenCounter, cfg.TitleTokenBudget),
		title.WithLogger(s.logger),
	}
	return s, nil
}

func (s *ChatService) Store() chatstore.Store { return s.store }

// StreamRequest is one user turn submitted to a conversation.
type StreamRequest struct {
	ConvID  string
	UserID  string
	Message string
	// Model overrides the conversation model for this turn.
	Model string
}

// Delivery bundles where a run's events go.
type Delivery struct {
	Sink relay.EventSink
	// Heartbeat keeps the transport alive while the model is silent. Nil means no heartbeats.
	Heartbeat relay.Heartbeater
	// Disconnect fires when the observer goes away. Nil never fires.
	Disconnect <-chan struct{}
}

type StreamResponse struct {
	Text               string
	AssistantMessageID int64
	Aborted            bool
	Title              title.Outcome
}

// StreamMessage records the user turn, relays the completion to d.Sink and persists the
// assistant turn. On failure the placeholder keeps the partial text, a terminal error event is
// published (best effort) and the error is returned as a *relay.StreamError.
func (s *ChatService) StreamMessage(ctx context.Context, req StreamRequest, d Delivery) (StreamResponse, error) {
	var out StreamResponse
	if strings.TrimSpace(req.Message) == "" {
		return out, ErrEmptyMessage
	}
	if d.Sink == nil {
		return out, errors.New("stream message: sink is nil")
	}
	conv, err := s.OwnedConversation(ctx, req.ConvID, req.UserID)
	if err != nil {
		return out, err
	}
	channel := relay.ChannelForConversation(conv.ConvID)
	lg := s.logger.With().Str("component", "chat").Str("conv_id", conv.ConvID).Str("channel", channel).Logger()

	if _, err := s.store.AppendMessage(ctx, conv.ConvID, chatstore.RoleUser, req.Message); err != nil {
		return out, errors.Wrap(err, "record user message")
	}
	turns, model, err := s.buildRequest(ctx, conv, req)
	if err != nil {
		return out, err
	}
	placeholder, err := s.store.AppendMessage(ctx, conv.ConvID, chatstore.RoleAssistant, "")
	if err != nil {
		return out, errors.Wrap(err, "record assistant placeholder")
	}
	out.AssistantMessageID = placeholder.ID

	run := s.relay.With(relay.WithFlushHook(func(ctx context.Context, flushed string) {
		if err := s.store.UpdateMessageContent(context.WithoutCancel(ctx), placeholder.ID, flushed); err != nil {
			lg.Warn().Err(err).Msg("checkpoint assistant message failed")
		}
	}))

	hb := d.Heartbeat
	if hb == nil {
		hb = relay.NoHeartbeat
	}
	guard := relay.NewKeepaliveGuard(hb, relay.WithLivenessWindow(s.window), relay.WithGuardLogger(lg))

	var (
		res        relay.Result
		relayStart bool
	)
	lg.Info().Str("model", model).Int("turns", len(turns)).Msg("streaming assistant reply")
	runErr := guard.Guard(ctx, d.Disconnect, d.Sink, func(ctx context.Context, sink relay.EventSink) error {
		src, err := s.client.Stream(ctx, llm.Request{Model: model, Messages: turns, Temperature: s.temperature})
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()

		relayStart = true
		res, err = run.Run(ctx, src, channel, sink)
		if err != nil || res.Aborted {
			return err
		}
		// the terminal event is already out; persist even if ctx expired meanwhile
		persistCtx := context.WithoutCancel(ctx)
		if err := s.store.UpdateMessageContent(persistCtx, placeholder.ID, res.Text); err != nil {
			return errors.Wrap(err, "record assistant message")
		}
		s.touch(persistCtx, lg, conv.ConvID)
		out.Title = s.runTitle(ctx, conv.ConvID, channel, sink)
		return nil
	})

	out.Text = res.Text
	out.Aborted = res.Aborted
	if runErr == nil && !res.Aborted {
		return out, nil
	}

	// the placeholder keeps whatever was assembled before the failure
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateMessageContent(persistCtx, placeholder.ID, res.Text); err != nil {
		lg.Warn().Err(err).Msg("record partial assistant message failed")
	}
	s.touch(persistCtx, lg, conv.ConvID)
	if runErr == nil {
		lg.Info().Int("len", len(res.Text)).Msg("stream aborted by client")
		return out, nil
	}

	se := asStreamError(runErr, channel)
	if !relayStart {
		// the relay never ran, so no terminal event went out yet
		ev := relay.StreamEvent{Channel: channel, Kind: relay.KindProgress, Content: relay.ErrorDescription(se.Err), IsComplete: true, IsError: true}
		if err := d.Sink.Publish(persistCtx, ev); err != nil {
			lg.Warn().Err(err).Msg("publish error event failed")
		}
	}
	lg.Error().Err(se.Err).Str("error_kind", string(se.Kind)).Msg("stream message failed")
	return out, se
}

func (s *ChatService) buildRequest(ctx context.Context, conv chatstore.ConversationRecord, req StreamRequest) ([]llm.Message, string, error) {
	history, err := s.store.ListMessages(ctx, conv.ConvID)
	if err != nil {
		return nil, "", errors.Wrap(err, "load history")
	}
	user, ok, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, "", errors.Wrap(err, "load user")
	}
	if !ok {
		user = chatstore.UserRecord{UserID: req.UserID, Name: req.UserID}
	}
	var instruction *chatstore.InstructionRecord
	if in, ok, err := s.store.ActiveInstruction(ctx, req.UserID); err != nil {
		return nil, "", errors.Wrap(err, "load custom instruction")
	} else if ok {
		instruction = &in
	}

	model := firstNonEmpty(req.Model, conv.Model, user.LastUsedModel, s.defaultModel)
	if req.Model != "" && req.Model != user.LastUsedModel {
		user.LastUsedModel = req.Model
		if err := s.store.UpsertUser(ctx, user); err != nil {
			s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("remember last used model failed")
		}
	}
	preamble := prompt.BuildSystemPreamble(user, instruction, s.now())
	return prompt.BuildChatTurns(preamble, history), model, nil
}

func (s *ChatService) runTitle(ctx context.Context, convID, channel string, sink relay.EventSink) title.Outcome {
	conv, ok, err := s.store.GetConversation(ctx, convID)
	if err != nil || !ok {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("reload conversation for title failed")
		return title.Outcome{}
	}
	count, err := s.store.CountMessages(ctx, convID)
	if err != nil {
		s.logger.Warn().Err(err).Str("conv_id", convID).Msg("count messages for title failed")
		return title.Outcome{}
	}
	tr, err := title.NewRelay(s.relay.With(relay.WithFlushHook(nil)), s.client, s.store, s.titleOpts...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("title relay unavailable")
		return title.Outcome{}
	}
	return tr.Run(ctx, title.Input{ConvID: convID, Channel: channel, CurrentTitle: conv.Title, MessageCount: count}, sink)
}

// OwnedConversation loads convID and checks that userID owns it.
func (s *ChatService) OwnedConversation(ctx context.Context, convID, userID string) (chatstore.ConversationRecord, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return chatstore.ConversationRecord{}, errors.Wrap(ErrConversationNotFound, "missing conversation id")
	}
	conv, ok, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return chatstore.ConversationRecord{}, errors.Wrap(err, "load conversation")
	}
	if !ok {
		return chatstore.ConversationRecord{}, errors.Wrapf(ErrConversationNotFound, "conversation %s", convID)
	}
	if conv.UserID != userID {
		return chatstore.ConversationRecord{}, errors.Wrapf(ErrForbidden, "conversation %s", convID)
	}
	return conv, nil
}

func (s *ChatService) touch(ctx context.Context, lg zerolog.Logger, convID string) {
	if err := s.store.TouchActivity(ctx, convID); err != nil {
		lg.Warn().Err(err).Msg("touch activity failed")
	}
}

func asStreamError(err error, channel string) *relay.StreamError {
	var se *relay.StreamError
	if stderrors.As(err, &se) {
		return se
	}
	return &relay.StreamError{Kind: relay.ClassifyError(err), Channel: channel, Err: err}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
