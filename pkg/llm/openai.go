package llm

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// OpenAISettings configures an OpenAI-compatible endpoint (OpenRouter by default).
type OpenAISettings struct {
	APIKey  string        `yaml:"api-key"`
	BaseURL string        `yaml:"base-url"`
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAIClient streams chat completions with go-openai.
type OpenAIClient struct {
	client *openai.Client
}

var _ Client = &OpenAIClient{}

func NewOpenAIClient(s OpenAISettings) (*OpenAIClient, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("openai client: missing api key")
	}
	cfg := openai.DefaultConfig(s.APIKey)
	cfg.BaseURL = DefaultBaseURL
	if strings.TrimSpace(s.BaseURL) != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request) (relay.TokenSource, error) {
	req = normalizeRequest(req)
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	log.Debug().
		Str("component", "llm").
		Str("model", req.Model).
		Float32("temperature", req.Temperature).
		Int("messages", len(msgs)).
		Msg("opening completion stream")

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open completion stream")
	}
	return &openAISource{stream: stream}, nil
}

type openAISource struct {
	stream *openai.ChatCompletionStream
}

func (s *openAISource) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := s.stream.Recv()
		if stderrors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", errors.Wrap(err, "completion stream")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAISource) Close() error {
	return s.stream.Close()
}
