package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashita-ai/cortexlab/internal/errs"
)

// Anthropic generates with the Messages API.
type Anthropic struct {
	model  string
	client anthropic.Client
}

// NewAnthropic creates a Messages adapter. An empty baseURL uses the default endpoint.
func NewAnthropic(apiKey, model, baseURL string, httpClient *http.Client) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Anthropic{model: model, client: anthropic.NewClient(opts...)}
}

// Name implements Generator.
func (g *Anthropic) Name() string { return "anthropic" }

// Generate implements Generator.
func (g *Anthropic) Generate(ctx context.Context, p Prompt) (string, error) {
	const op = "generation.anthropic"
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   p.maxTokens(),
		Temperature: anthropic.Float(0.3),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(p.UserText()))},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			err = fmt.Errorf("status %d: %w", apiErr.StatusCode, err)
		}
		return "", errs.Provider(op, err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errs.Provider(op, errors.New("response has no text content"))
	}
	return b.String(), nil
}
