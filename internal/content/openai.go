package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultModel   = "gpt-4o-mini"

	rewriteSystemPrompt = "You are a marketplace copywriter. Respond with a JSON object " +
		`{"title": "...", "description": "..."} and nothing else.`
	variantsSystemPrompt = "You are a marketplace copywriter. Respond with a JSON array of " +
		`objects [{"title": "...", "description": "..."}] and nothing else.`
)

// OpenAIOptions parameterise the chat-completions backend.
type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIGenerator produces listing copy via an OpenAI-compatible API.
type OpenAIGenerator struct {
	opts   OpenAIOptions
	logger zerolog.Logger
	client *http.Client
}

// NewOpenAIGenerator constructs the generator.
func NewOpenAIGenerator(opts OpenAIOptions, logger zerolog.Logger) *OpenAIGenerator {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIGenerator{
		opts:   opts,
		logger: logger.With().Str("component", "content_generator").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Rewrite returns an improved title/description pair.
func (g *OpenAIGenerator) Rewrite(ctx context.Context, title, description string) (Rewrite, error) {
	prompt := fmt.Sprintf("Improve this listing copy.\nTitle: %s\nDescription: %s", title, description)

	raw, err := g.complete(ctx, rewriteSystemPrompt, prompt)
	if err != nil {
		return Rewrite{}, err
	}

	var result Rewrite
	var payload struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Rewrite{}, fmt.Errorf("decode rewrite response: %w", err)
	}
	result.Title = strings.TrimSpace(payload.Title)
	result.Description = strings.TrimSpace(payload.Description)
	if result.Title == "" || result.Description == "" {
		return Rewrite{}, errors.New("rewrite response missing title or description")
	}
	return result, nil
}

// GenerateVariants returns alternative copy for an A/B experiment.
func (g *OpenAIGenerator) GenerateVariants(ctx context.Context, topic string, count int) ([]Rewrite, error) {
	if count <= 0 {
		count = 2
	}
	prompt := fmt.Sprintf("Write %d distinct title/description variants for: %s", count, topic)

	raw, err := g.complete(ctx, variantsSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var payload []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode variants response: %w", err)
	}

	variants := make([]Rewrite, 0, len(payload))
	for _, p := range payload {
		title := strings.TrimSpace(p.Title)
		description := strings.TrimSpace(p.Description)
		if title == "" || description == "" {
			continue
		}
		variants = append(variants, Rewrite{Title: title, Description: description})
	}
	if len(variants) == 0 {
		return nil, errors.New("variants response contained no usable entries")
	}
	return variants, nil
}

func (g *OpenAIGenerator) complete(ctx context.Context, system, user string) (string, error) {
	if g.opts.APIKey == "" {
		return "", errors.New("content api_key required")
	}

	reqPayload := chatRequest{
		Model: g.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.opts.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("content api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var chatRes chatResponse
	if err := json.Unmarshal(payload, &chatRes); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(chatRes.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}

	text := strings.TrimSpace(chatRes.Choices[0].Message.Content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text), nil
}

var _ Generator = (*OpenAIGenerator)(nil)
