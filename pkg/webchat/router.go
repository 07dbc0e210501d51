package webchat

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/eventbus"
	"github.com/go-go-golems/chatrelay/pkg/llm"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/title"
)

// Router composes the store, event bus, LLM client, chat service, websocket hub and HTTP API.
type Router struct {
	baseCtx context.Context
	cfg     config.Config
	logger  zerolog.Logger

	store   chatstore.Store
	backend eventbus.Backend
	client  llm.Client
	users   UserResolver

	chat *ChatService
	hub  *StreamHub
	api  *API
}

type RouterOption func(*Router) error

// WithStore replaces the configured store. The router takes ownership.
func WithStore(s chatstore.Store) RouterOption {
	return func(r *Router) error {
		if s == nil {
			return errors.New("store is nil")
		}
		r.store = s
		return nil
	}
}

func WithBackend(b eventbus.Backend) RouterOption {
	return func(r *Router) error {
		if b == nil {
			return errors.New("backend is nil")
		}
		r.backend = b
		return nil
	}
}

func WithLLMClient(c llm.Client) RouterOption {
	return func(r *Router) error {
		if c == nil {
			return errors.New("llm client is nil")
		}
		r.client = c
		return nil
	}
}

func WithUserResolver(u UserResolver) RouterOption {
	return func(r *Router) error {
		r.users = u
		return nil
	}
}

func WithLogger(l zerolog.Logger) RouterOption {
	return func(r *Router) error {
		r.logger = l
		return nil
	}
}

// NewRouter builds every collaborator that options did not provide from cfg.
func NewRouter(ctx context.Context, cfg config.Config, opts ...RouterOption) (*Router, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	r := &Router{baseCtx: ctx, cfg: cfg, logger: log.Logger}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	var err error
	if r.store == nil {
		if r.store, err = OpenStore(cfg.Store); err != nil {
			return nil, err
		}
	}
	if r.backend == nil {
		if r.backend, err = eventbus.NewBackend(ctx, cfg.Redis, r.logger); err != nil {
			_ = r.store.Close()
			return nil, errors.Wrap(err, "build event backend")
		}
	}
	if r.client == nil {
		if r.client, err = NewLLMClient(cfg.LLM); err != nil {
			r.Close()
			return nil, err
		}
	}
	if r.users == nil {
		r.users = HeaderUserResolver{Header: cfg.Server.UserHeader}
	}

	r.chat, err = NewChatService(ChatServiceConfigFor(cfg, r.store, r.client, r.logger))
	if err != nil {
		r.Close()
		return nil, err
	}
	r.hub, err = NewStreamHub(StreamHubConfig{
		BaseCtx:      ctx,
		Backend:      r.backend,
		IdleTimeout:  cfg.Server.WSIdleTimeout,
		PingInterval: cfg.Relay.LivenessWindow,
		Logger:       &r.logger,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	r.api, err = NewAPI(APIConfig{
		Chat:           r.chat,
		Hub:            r.hub,
		Publisher:      eventbus.NewPublisherSink(r.backend.Publisher()),
		Users:          r.users,
		RequestTimeout: cfg.Server.RequestTimeout,
		Upgrader:       newUpgrader(cfg.Server.AllowedOrigins),
		Logger:         r.logger,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Router) Handler() http.Handler    { return r.api.Handler() }
func (r *Router) ChatService() *ChatService { return r.chat }
func (r *Router) StreamHub() *StreamHub     { return r.hub }
func (r *Router) Store() chatstore.Store    { return r.store }
func (r *Router) Backend() eventbus.Backend { return r.backend }

// Close releases the hub, the event backend and the store, in that order.
func (r *Router) Close() {
	if r.hub != nil {
		r.hub.Close()
	}
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			r.logger.Error().Err(err).Msg("event backend close error")
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error().Err(err).Msg("store close error")
		}
	}
}

// loadTokenCounter is swapped in tests to avoid fetching the BPE ranks.
var loadTokenCounter = title.DefaultTokenCounter

// ChatServiceConfigFor maps the relay, llm and title sections of cfg onto a ChatServiceConfig.
// A token counter is loaded only when the title token budget is positive.
func ChatServiceConfigFor(cfg config.Config, store chatstore.Store, client llm.Client, logger zerolog.Logger) ChatServiceConfig {
	var counter title.TokenCounter
	if cfg.Title.TokenBudget > 0 {
		counter = loadTokenCounter()
	}
	return ChatServiceConfig{
		Store:  store,
		Client: client,
		Relay: relay.NewThrottledRelay(
			relay.WithFlushInterval(cfg.Relay.FlushInterval),
			relay.WithFragmentDelay(cfg.Relay.FragmentDelay),
			relay.WithLogger(logger),
		),
		DefaultModel:     cfg.LLM.Model,
		Temperature:      cfg.LLM.Temperature,
		TitleModel:       cfg.Title.Model,
		TitleTokenBudget: cfg.Title.TokenBudget,
		TokenCounter:     counter,
		LivenessWindow:   cfg.Relay.LivenessWindow,
		Logger:           &logger,
	}
}

// OpenStore opens the configured conversation store.
func OpenStore(s config.StoreSettings) (chatstore.Store, error) {
	switch s.Driver {
	case "memory":
		return chatstore.NewInMemoryStore(), nil
	case "sqlite":
		p := strings.TrimSpace(s.Path)
		if dir := filepath.Dir(p); dir != "" && dir != "." {
			_ = os.MkdirAll(dir, 0755)
		}
		dsn, err := chatstore.SQLiteDSNForFile(p)
		if err != nil {
			return nil, errors.Wrap(err, "build store DSN")
		}
		store, err := chatstore.NewSQLiteStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open store")
		}
		return store, nil
	default:
		return nil, errors.Errorf("unknown store driver %q", s.Driver)
	}
}

// NewLLMClient builds the configured completion client.
func NewLLMClient(s config.LLMSettings) (llm.Client, error) {
	switch s.Provider {
	case "echo":
		return llm.EchoClient{}, nil
	case "openai":
		c, err := llm.NewOpenAIClient(llm.OpenAISettings{APIKey: s.APIKey, BaseURL: s.BaseURL, Timeout: s.Timeout})
		if err != nil {
			return nil, errors.Wrap(err, "build llm client")
		}
		return c, nil
	default:
		return nil, errors.Errorf("unknown llm provider %q", s.Provider)
	}
}

func newUpgrader(allowed []string) websocket.Upgrader {
	u := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if len(allowed) == 0 {
		return u
	}
	set := map[string]struct{}{}
	for _, o := range allowed {
		set[strings.TrimSpace(o)] = struct{}{}
	}
	u.CheckOrigin = func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		if !ok {
			_, ok = set["*"]
		}
		return ok
	}
	return u
}
