package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/formulary/internal/models"
)

// RefusalMessage is returned verbatim for questions outside medication dosage.
const RefusalMessage = "I'm sorry, I can only answer medication dosage questions covered by the formulary."

const defaultSystemTemplate = "You are a clinical pharmacology assistant for hospital doctors. " +
	"You answer questions about medication dosage using only the excerpts from the national medicines formulary supplied with each question. " +
	"State doses exactly as the excerpts give them, including the drug, the patient group, the route and the frequency. " +
	"Do not use outside knowledge and do not guess. " +
	"If the question is not about medication dosage, or the excerpts do not answer it, reply with exactly the following sentence and nothing else:\n" +
	RefusalMessage

const defaultContextTemplate = "Based on the following information, answer the question:\n\n%s\n\nQuestion: %s"

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string // receives the excerpts and the question, in that order
	ExcerptChars    int    // per-chunk budget in runes
}

// Prompt is the fully rendered input to the language model.
type Prompt struct {
	System string
	User   string
}

// Answer is a composed response and the grounding it was built from.
type Answer struct {
	Text    string
	Refused bool
	Prompt  Prompt
	Result  models.RetrievalResult
}

// ChatEngine is an engine that uses an LLM to answer dosage questions from
// retrieved formulary chunks.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(llm llms.Model, config ChatConfig) (*ChatEngine, error) {
	if llm == nil {
		return nil, fmt.Errorf("language model is required")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 1024
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = defaultSystemTemplate
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = defaultContextTemplate
	}
	if config.ExcerptChars <= 0 {
		config.ExcerptChars = 300
	}

	return &ChatEngine{
		config: config,
		llm:    llm,
	}, nil
}

// BuildPrompt renders the persona, one bounded excerpt per retrieved chunk and
// the verbatim question.
func (ce *ChatEngine) BuildPrompt(query string, result models.RetrievalResult) Prompt {
	var contextBuilder strings.Builder
	for i, hit := range result.Hits {
		if i > 0 {
			contextBuilder.WriteByte('\n')
		}
		contextBuilder.WriteString(truncate(hit.Chunk.Text, ce.config.ExcerptChars))
	}

	return Prompt{
		System: ce.config.SystemTemplate,
		User:   fmt.Sprintf(ce.config.ContextTemplate, contextBuilder.String(), query),
	}
}

// Compose generates the answer for query grounded on result.
func (ce *ChatEngine) Compose(ctx context.Context, query string, result models.RetrievalResult) (Answer, error) {
	return ce.generate(ctx, query, result)
}

// ComposeStream is Compose that hands each generated fragment to onChunk as it
// arrives. An error from onChunk aborts generation.
func (ce *ChatEngine) ComposeStream(ctx context.Context, query string, result models.RetrievalResult, onChunk func(string) error) (Answer, error) {
	return ce.generate(ctx, query, result, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		return onChunk(string(chunk))
	}))
}

func (ce *ChatEngine) generate(ctx context.Context, query string, result models.RetrievalResult, extra ...llms.CallOption) (Answer, error) {
	const op = "llm.Compose"

	prompt := ce.BuildPrompt(query, result)
	answer := Answer{Prompt: prompt, Result: result}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, prompt.System),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt.User),
	}
	options := append([]llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}, extra...)

	response, err := ce.llm.GenerateContent(ctx, content, options...)
	if err != nil {
		if ctx.Err() != nil {
			return answer, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return answer, models.E(models.ErrGeneration, op, err)
	}
	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return answer, models.Ef(models.ErrGeneration, op, "no response from language model")
	}

	text := strings.TrimSpace(response.Choices[0].Content)
	if text == "" {
		return answer, models.Ef(models.ErrGeneration, op, "empty response from language model")
	}

	answer.Text = text
	answer.Refused = text == RefusalMessage
	return answer, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
