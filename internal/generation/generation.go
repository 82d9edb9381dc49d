// Package generation adapts LLM providers to a single Generator contract
// and turns their free-text answers into structured values.
//
// Adapters never retry on their own: the step executor owns the retry
// policy, so every failure is returned classified (provider, timeout or
// malformed) for it to act on.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashita-ai/cortexlab/internal/errs"
)

// Prompt is one generation request.
type Prompt struct {
	System string
	User   string
	// Strict appends a formatting instruction demanding a bare JSON object.
	// Set on the retry that follows malformed output.
	Strict    bool
	MaxTokens int64
}

// DefaultMaxTokens bounds a completion when the prompt doesn't.
const DefaultMaxTokens = 4096

const strictInstruction = "\n\nRespond with a single valid JSON object and nothing else. " +
	"Do not wrap it in Markdown, do not add commentary, and do not use trailing commas."

// UserText returns the user message including the strict-mode suffix.
func (p Prompt) UserText() string {
	if p.Strict {
		return p.User + strictInstruction
	}
	return p.User
}

func (p Prompt) maxTokens() int64 {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return DefaultMaxTokens
}

// Generator produces a text completion.
type Generator interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Fallback tries generators in order and moves to the next one only on
// provider or timeout errors.
type Fallback struct {
	gens   []Generator
	logger *slog.Logger
}

// NewFallback chains gens. At least one generator is required.
func NewFallback(logger *slog.Logger, gens ...Generator) *Fallback {
	return &Fallback{gens: gens, logger: logger}
}

// Name implements Generator.
func (f *Fallback) Name() string {
	names := make([]string, len(f.gens))
	for i, g := range f.gens {
		names[i] = g.Name()
	}
	return strings.Join(names, ",")
}

// Generate implements Generator.
func (f *Fallback) Generate(ctx context.Context, p Prompt) (string, error) {
	if len(f.gens) == 0 {
		return "", errs.Fatal("generation.fallback", errors.New("no generators configured"))
	}
	var errList []error
	for i, g := range f.gens {
		out, err := g.Generate(ctx, p)
		if err == nil {
			return out, nil
		}
		switch errs.KindOf(err) {
		case errs.KindProvider, errs.KindTimeout:
		default:
			return "", err
		}
		if ctx.Err() != nil {
			return "", err
		}
		errList = append(errList, err)
		if i < len(f.gens)-1 {
			f.logger.Warn("generation: falling back", "from", g.Name(), "to", f.gens[i+1].Name(), "error", err)
		}
	}
	// Keep the last error's kind so the executor classifies the failure.
	last := errList[len(errList)-1]
	if len(errList) == 1 {
		return "", last
	}
	return "", &errs.Error{Kind: errs.KindOf(last), Op: "generation.fallback", Err: errors.Join(errList...)}
}

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseJSON extracts the JSON object from a model answer and decodes it into
// dst. It accepts a fenced ```json block or the outermost {...} span, and
// tolerates trailing commas. Anything else is errs.KindMalformed.
func ParseJSON(raw string, dst any) error {
	const op = "generation.parse"
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return errs.Malformed(op, errors.New("no JSON object in model output"))
	}
	text = text[start : end+1]

	if err := json.Unmarshal([]byte(text), dst); err == nil {
		return nil
	}
	cleaned := trailingCommaPattern.ReplaceAllString(text, "$1")
	if err := json.Unmarshal([]byte(cleaned), dst); err != nil {
		return errs.Malformed(op, err)
	}
	return nil
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
