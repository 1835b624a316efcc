package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nhle/mailpipe/internal/model"
)

const (
	defaultModel     = "google/gemini-2.5-flash"
	defaultMaxTokens = 4096
	defaultTimeout   = 2 * time.Minute
	defaultBaseURL   = "https://openrouter.ai/api/v1/"
)

// ErrNoObjectGenerated is returned when the model reply does not contain a
// usable JSON object.
var ErrNoObjectGenerated = errors.New("no object generated")

// ExtractionError wraps a failed classification or extraction call.
type ExtractionError struct {
	Pass string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s extraction failed: %v", e.Pass, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor classifies a serialized thread batch and runs the extraction
// passes over it.
type Extractor interface {
	Classify(ctx context.Context, batch string) (model.ClassificationVerdict, error)
	Extract(ctx context.Context, kind model.ReportKind, batch string) (string, error)
}

// Config holds extraction client settings. Zero values select defaults.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	GateModel string
	MaxTokens int
	Timeout   time.Duration
}

// Client talks to an OpenAI-compatible chat completions API. Calls go
// through a circuit breaker and are never retried.
type Client struct {
	api       openai.Client
	model     string
	gateModel string
	maxTokens int
	timeout   time.Duration
	cb        *gobreaker.CircuitBreaker
	logger    zerolog.Logger
}

var _ Extractor = (*Client)(nil)

// New creates an extraction client. opts are appended to the request
// options derived from cfg.
func New(cfg Config, logger zerolog.Logger, opts ...option.RequestOption) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.GateModel == "" {
		cfg.GateModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	logger = logger.With().Str("component", "extraction").Logger()

	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
	}, opts...)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "extraction-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A reply without a usable object is the model's fault, not the API's.
			return err == nil || errors.Is(err, ErrNoObjectGenerated)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &Client{
		api:       openai.NewClient(reqOpts...),
		model:     cfg.Model,
		gateModel: cfg.GateModel,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		cb:        cb,
		logger:    logger,
	}
}

// gateReply is the JSON object requested from the gate model.
type gateReply struct {
	Category   string `json:"category"`
	Rationale  string `json:"rationale"`
	ShouldSkip *bool  `json:"shouldSkip"`
}

// Classify runs the gate pass over batch.
func (c *Client) Classify(ctx context.Context, batch string) (model.ClassificationVerdict, error) {
	content, err := c.complete(ctx, c.gateModel, gateSystemPrompt, batch)
	if err != nil {
		return model.ClassificationVerdict{}, &ExtractionError{Pass: "classification", Err: err}
	}

	var reply gateReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil || reply.ShouldSkip == nil {
		return model.ClassificationVerdict{}, &ExtractionError{Pass: "classification", Err: ErrNoObjectGenerated}
	}

	return model.ClassificationVerdict{
		ShouldSkip: *reply.ShouldSkip,
		Category:   reply.Category,
		Rationale:  reply.Rationale,
	}, nil
}

// Extract runs one extraction pass and returns the reply verbatim. The
// reply is usually a JSON object, but plain text from a backend that
// ignores the response format is kept as well. Only an empty reply counts
// as no report, and complete already rejects it.
func (c *Client) Extract(ctx context.Context, kind model.ReportKind, batch string) (string, error) {
	system, ok := extractionPrompts[kind]
	if !ok {
		return "", &ExtractionError{Pass: string(kind), Err: fmt.Errorf("unknown report kind %q", kind)}
	}

	content, err := c.complete(ctx, c.model, system, batch)
	if err != nil {
		return "", &ExtractionError{Pass: string(kind), Err: err}
	}

	return content, nil
}

// complete sends one system+user exchange and returns the reply text with
// any code fence removed.
func (c *Client) complete(ctx context.Context, modelName, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(system),
					},
				},
			},
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(prompt),
					},
				},
			},
		},
		Model:       shared.ChatModel(modelName),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
		Temperature: openai.Float(0.2),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	start := time.Now()
	out, err := c.cb.Execute(func() (interface{}, error) {
		completion, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(completion.Choices) == 0 {
			return nil, ErrNoObjectGenerated
		}
		content := stripCodeFence(completion.Choices[0].Message.Content)
		if content == "" {
			return nil, ErrNoObjectGenerated
		}
		return content, nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("model", modelName).Dur("took", time.Since(start)).Msg("completion failed")
		return "", err
	}

	c.logger.Debug().Str("model", modelName).Dur("took", time.Since(start)).Msg("completion done")
	return out.(string), nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
