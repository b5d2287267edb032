// Package fake provides deterministic stand-ins for the embedding and
// generation providers.
package fake

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/tmc/langchaingo/llms"
)

// Embedder is a bag-of-words hashing embedder. Texts sharing words get
// similar vectors, which is enough to make retrieval meaningful in tests.
type Embedder struct {
	Dim int
	// Err, when set, is returned by every call.
	Err error
	// FailFirst makes the first n calls fail with Err or a generic error.
	FailFirst int32

	calls atomic.Int32
}

func NewEmbedder(dim int) *Embedder {
	return &Embedder{Dim: dim}
}

func (e *Embedder) Calls() int { return int(e.calls.Load()) }

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.fail(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := e.fail(ctx); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

func (e *Embedder) fail(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := e.calls.Add(1)
	if n <= e.FailFirst {
		if e.Err != nil {
			return e.Err
		}
		return errors.New("embedding provider unavailable")
	}
	if e.FailFirst == 0 && e.Err != nil {
		return e.Err
	}
	return nil
}

func (e *Embedder) vector(text string) []float32 {
	v := make([]float32, e.Dim)
	for _, w := range Words(text) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(e.Dim)]++
	}
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		v[0] = 1
		return v
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}

// Words lowercases text and splits it on anything that is not a letter or
// digit.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Model is a scripted llms.Model. Reply computes the answer from the system
// and user prompts; the default echoes a fixed string.
type Model struct {
	Reply func(system, user string) (string, error)

	mu      sync.Mutex
	prompts [][2]string
}

func (m *Model) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var system, user []string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			text, ok := part.(llms.TextContent)
			if !ok {
				continue
			}
			if msg.Role == llms.ChatMessageTypeSystem {
				system = append(system, text.Text)
			} else {
				user = append(user, text.Text)
			}
		}
	}
	sys, usr := strings.Join(system, "\n"), strings.Join(user, "\n")

	m.mu.Lock()
	m.prompts = append(m.prompts, [2]string{sys, usr})
	m.mu.Unlock()

	reply := "ok"
	if m.Reply != nil {
		var err error
		if reply, err = m.Reply(sys, usr); err != nil {
			return nil, err
		}
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	if opts.StreamingFunc != nil {
		for _, w := range strings.SplitAfter(reply, " ") {
			if err := opts.StreamingFunc(ctx, []byte(w)); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *Model) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// Prompts returns every (system, user) pair seen so far.
func (m *Model) Prompts() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]string(nil), m.prompts...)
}

// LastPrompt returns the most recent (system, user) pair.
func (m *Model) LastPrompt() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return "", ""
	}
	p := m.prompts[len(m.prompts)-1]
	return p[0], p[1]
}
