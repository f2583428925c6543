package generator

import (
	"context"
	"strings"
	"sync"
)

// FakeReply is one scripted Generate outcome.
type FakeReply struct {
	Text string
	Err  error
}

// Fake is an offline Generator. Scripted replies are consumed in order;
// once exhausted it answers with the first context line of the prompt.
type Fake struct {
	mu      sync.Mutex
	script  []FakeReply
	prompts []string
	health  Status
}

// NewFake creates a Fake with an optional script.
func NewFake(script ...FakeReply) *Fake {
	return &Fake{script: script, health: Status{State: StateUp, Model: "fake"}}
}

// Name implements Generator.
func (f *Fake) Name() string { return "fake" }

// Generate implements Generator.
func (f *Fake) Generate(ctx context.Context, prompt string, _ int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ErrProviderUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prompts = append(f.prompts, prompt)
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r.Text, r.Err
	}
	return echoContext(prompt), nil
}

// Health implements Generator.
func (f *Fake) Health(context.Context) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// SetHealth overrides the reported health.
func (f *Fake) SetHealth(s Status) {
	f.mu.Lock()
	f.health = s
	f.mu.Unlock()
}

// Calls returns how many times Generate ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Prompts returns every prompt received, in order.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// echoContext returns the first context bullet without its source tag.
func echoContext(prompt string) string {
	_, body, ok := strings.Cut(prompt, "\nContext:\n")
	if ok {
		for _, line := range strings.Split(body, "\n") {
			text, found := strings.CutPrefix(line, "- ")
			if !found {
				break
			}
			if i := strings.LastIndex(text, " ["); i > 0 && strings.HasSuffix(text, "]") {
				text = text[:i]
			}
			return "According to the provided context: " + text
		}
	}
	return "The provided context does not cover this question."
}

var _ Generator = (*Fake)(nil)
