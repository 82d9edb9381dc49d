package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashita-ai/cortexlab/internal/errs"
)

// GroqBaseURL is Groq's OpenAI-compatible endpoint.
const GroqBaseURL = "https://api.groq.com/openai/v1/"

// OpenAI generates with an OpenAI-compatible chat completions API. Groq is
// served by the same adapter through its base URL.
type OpenAI struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAI creates a chat adapter. An empty baseURL uses api.openai.com.
func NewOpenAI(name, apiKey, model, baseURL string, httpClient *http.Client) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAI{name: name, model: model, client: openai.NewClient(opts...)}
}

// Name implements Generator.
func (g *OpenAI) Name() string { return g.name }

// Generate implements Generator.
func (g *OpenAI) Generate(ctx context.Context, p Prompt) (string, error) {
	op := "generation." + g.name
	var messages []openai.ChatCompletionMessageParamUnion
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	messages = append(messages, openai.UserMessage(p.UserText()))

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       g.model,
		Messages:    messages,
		Temperature: openai.Float(0.3),
		MaxTokens:   openai.Int(p.maxTokens()),
	})
	if err != nil {
		return "", errs.Provider(op, describeOpenAIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errs.Provider(op, errors.New("response has no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func describeOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %w", apiErr.StatusCode, err)
	}
	return err
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// OpenAIEmbedder uses the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder. dimensions must match the
// sources.embedding column.
func NewOpenAIEmbedder(apiKey, model string, dimensions int, baseURL string, httpClient *http.Client) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), model: model, dimensions: dimensions}
}

// Dimensions returns the embedding vector size.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Embed returns one vector per text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "generation.embed"
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(e.model),
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions: openai.Int(int64(e.dimensions)),
	})
	if err != nil {
		return nil, errs.Provider(op, describeOpenAIError(err))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, errs.Provider(op, fmt.Errorf("invalid index %d in response", d.Index))
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
