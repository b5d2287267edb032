package llm_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/formulary/internal/fake"
	"github.com/xhad/formulary/internal/models"
	"github.com/xhad/formulary/pkg/llm"
)

func resultOf(texts ...string) models.RetrievalResult {
	res := models.RetrievalResult{Generation: 1}
	for i, t := range texts {
		res.Hits = append(res.Hits, models.Hit{
			Chunk: models.TextChunk{DocumentID: "knmf", Seq: i, Text: t},
			Score: 1 - float64(i)/10,
		})
	}
	return res
}

func TestNewWithConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  llm.ChatConfig
		wantErr bool
	}{
		{name: "defaults", config: llm.ChatConfig{}},
		{name: "custom", config: llm.ChatConfig{Temperature: 0.5, MaxTokens: 1000, SystemTemplate: "Test system template"}},
		{name: "negative max tokens", config: llm.ChatConfig{MaxTokens: -1}, wantErr: true},
		{name: "temperature out of range", config: llm.ChatConfig{Temperature: 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := llm.NewWithConfig(&fake.Model{}, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, engine)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	engine, err := llm.NewWithConfig(&fake.Model{}, llm.ChatConfig{ExcerptChars: 10})
	require.NoError(t, err)

	query := "What is the adult dose of Amoxicillin?"
	prompt := engine.BuildPrompt(query, resultOf("Amoxicillin: 500mg three times daily for adults.", "Paracétamol 1g"))

	assert.Contains(t, prompt.System, llm.RefusalMessage)
	assert.Contains(t, prompt.System, "medication dosage")
	assert.Contains(t, prompt.User, "Question: "+query)
	assert.Contains(t, prompt.User, "Amoxicilli\nParacétamo\n")
	assert.NotContains(t, prompt.User, "500mg")
	assert.NotContains(t, prompt.User, "Paracétamol")
}

func TestCompose(t *testing.T) {
	model := &fake.Model{Reply: func(system, user string) (string, error) {
		return "  Adults: 500mg three times daily.\n", nil
	}}
	engine, err := llm.NewWithConfig(model, llm.ChatConfig{})
	require.NoError(t, err)

	res := resultOf("Amoxicillin: 500mg three times daily for adults.")
	answer, err := engine.Compose(context.Background(), "What is the adult dose of Amoxicillin?", res)
	require.NoError(t, err)

	assert.Equal(t, "Adults: 500mg three times daily.", answer.Text)
	assert.False(t, answer.Refused)
	assert.Equal(t, res, answer.Result)

	system, user := model.LastPrompt()
	assert.Equal(t, answer.Prompt.System, system)
	assert.Equal(t, answer.Prompt.User, user)
}

func TestComposeRefusal(t *testing.T) {
	model := &fake.Model{Reply: func(system, user string) (string, error) {
		return llm.RefusalMessage + "\n", nil
	}}
	engine, err := llm.NewWithConfig(model, llm.ChatConfig{})
	require.NoError(t, err)

	answer, err := engine.Compose(context.Background(), "Who won the football yesterday?", resultOf("Amoxicillin: 500mg."))
	require.NoError(t, err)
	assert.Equal(t, llm.RefusalMessage, answer.Text)
	assert.True(t, answer.Refused)
}

func TestComposeGenerationError(t *testing.T) {
	tests := []struct {
		name  string
		reply func(string, string) (string, error)
	}{
		{name: "provider failure", reply: func(string, string) (string, error) { return "", errors.New("503 from provider") }},
		{name: "empty answer", reply: func(string, string) (string, error) { return "   ", nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := llm.NewWithConfig(&fake.Model{Reply: tt.reply}, llm.ChatConfig{})
			require.NoError(t, err)

			_, err = engine.Compose(context.Background(), "dose?", resultOf("x"))
			assert.ErrorIs(t, err, models.ErrGeneration)
			assert.True(t, models.IsRetryable(err))
		})
	}
}

func TestComposeStream(t *testing.T) {
	model := &fake.Model{Reply: func(system, user string) (string, error) {
		return "Give 500mg three times daily", nil
	}}
	engine, err := llm.NewWithConfig(model, llm.ChatConfig{})
	require.NoError(t, err)

	var streamed []string
	answer, err := engine.ComposeStream(context.Background(), "dose?", resultOf("x"), func(s string) error {
		streamed = append(streamed, s)
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, len(streamed), 1)
	assert.Equal(t, answer.Text, strings.Join(streamed, ""))
}

func TestComposeStreamAbort(t *testing.T) {
	engine, err := llm.NewWithConfig(&fake.Model{Reply: func(string, string) (string, error) {
		return "a b c", nil
	}}, llm.ChatConfig{})
	require.NoError(t, err)

	stop := errors.New("client went away")
	_, err = engine.ComposeStream(context.Background(), "dose?", resultOf("x"), func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}
