package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "google/gemini-2.5-flash"

	defaultTimeout           = 120 * time.Second
	defaultRequestsPerMinute = 60
	maxCompletionTokens      = 8192
	titleAttempts            = 2
)

// ClientConfig holds configuration for the vision extraction client.
type ClientConfig struct {
	BaseURL           string
	Model             string
	Timeout           time.Duration // Bounds each backend call
	RequestsPerMinute int
	MaxDimension      int // Longest image side sent to the backend
	JPEGQuality       int
	HTTPClient        *http.Client // Optional (tests)
	Logger            *slog.Logger
}

// Client implements Extractor against any OpenAI-compatible chat completions
// endpoint that accepts image content parts.
type Client struct {
	model        string
	maxDimension int
	jpegQuality  int
	limiter      *RateLimiter
	client       openai.Client
	logger       *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

// NewClient creates an extraction client. The API key is supplied per call.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	// Retries belong to the queue, which tracks them per page.
	client := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	)

	return &Client{
		model:        cfg.Model,
		maxDimension: cfg.MaxDimension,
		jpegQuality:  cfg.JPEGQuality,
		limiter:      NewRateLimiter(cfg.RequestsPerMinute),
		client:       client,
		logger:       cfg.Logger.With("component", "extractor", "model", cfg.Model),
		now:          time.Now,
	}
}

// Extract submits image with the OCR instructions and parses the pages found.
func (c *Client) Extract(ctx context.Context, credential string, image []byte) (*ExtractionResult, error) {
	content, err := c.complete(ctx, credential, OCRPrompt(), ocrUserText, image)
	if err != nil {
		return nil, err
	}
	result := ParseExtraction(content)
	c.logger.Debug("extraction parsed", "pages", len(result.Pages), "response_chars", len(content))
	return result, nil
}

// ExtractTitle reads a book title from a cover image, falling back to a
// timestamped placeholder when nothing usable comes back.
func (c *Client) ExtractTitle(ctx context.Context, credential string, image []byte) string {
	var title string
	err := retry.Do(
		func() error {
			content, err := c.complete(ctx, credential, TitlePrompt(), titleUserText, image)
			if err != nil {
				return err
			}
			title = parseTitle(content)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(titleAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return Classify(err) == ErrTransient
		}),
	)
	if err != nil {
		c.logger.Warn("title extraction failed, using placeholder", "error", err)
		return PlaceholderTitle(c.now())
	}
	if title == "" {
		return PlaceholderTitle(c.now())
	}
	return title
}

// PlaceholderTitle names a book whose cover could not be read.
func PlaceholderTitle(t time.Time) string {
	return "Book " + t.Format("2006-01-02 15:04")
}

// RateLimiterStatus reports the client's request budget.
func (c *Client) RateLimiterStatus() RateLimiterStatus {
	return c.limiter.Status()
}

func (c *Client) complete(ctx context.Context, credential, system, instruction string, image []byte) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", &ExtractionError{Kind: ErrMissingCredential}
	}

	prepared, err := PrepareImage(image, c.maxDimension, c.jpegQuality)
	if err != nil {
		return "", &ExtractionError{Kind: ErrTransient, Message: err.Error(), Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &ExtractionError{Kind: ErrTransient, Message: "rate limiter wait cancelled", Err: err}
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(instruction),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: jpegDataURL(prepared),
				}),
			}),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		MaxCompletionTokens: openai.Int(maxCompletionTokens),
		Temperature:         openai.Float(0),
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params, option.WithAPIKey(credential))
	if err != nil {
		mapped := mapOpenAIError(err)
		var exErr *ExtractionError
		if errors.As(mapped, &exErr) && exErr.Kind == ErrRateLimited {
			c.limiter.Record429(exErr.RetryAfter)
		}
		c.logger.Debug("extraction request failed", "error", mapped, "elapsed", time.Since(start))
		return "", mapped
	}
	if len(resp.Choices) == 0 {
		return "", &ExtractionError{Kind: ErrTransient, Message: "response contained no choices"}
	}

	c.logger.Debug("extraction request completed",
		"elapsed", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

var _ Extractor = (*Client)(nil)
