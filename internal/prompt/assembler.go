// Package prompt builds the generation prompt from retrieved chunks under a
// token budget.
package prompt

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

const (
	// Header is always the first line of every prompt. Question text can
	// never displace it.
	Header = "You are an internal knowledge assistant. Use ONLY the provided context to answer."

	historyTitle = "Conversation so far:"
	contextTitle = "Context:"
	noContext    = "(no context available)"
	footer       = "Answer in concise professional language."

	// DefaultMaxInputTokens applies when no budget is configured.
	DefaultMaxInputTokens = 2048
)

// Turn is one prior question and its released answer.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Estimator returns an upper bound on the token count of s.
type Estimator func(s string) int

// EstimateTokens approximates tokens as ceil(runes/4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// Assembler renders prompts within a fixed input budget.
type Assembler struct {
	maxInputTokens int
	estimate       Estimator
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithEstimator replaces the default rune-based estimator.
func WithEstimator(e Estimator) Option {
	return func(a *Assembler) { a.estimate = e }
}

// NewAssembler creates an Assembler. A non-positive budget selects
// DefaultMaxInputTokens.
func NewAssembler(maxInputTokens int, opts ...Option) *Assembler {
	if maxInputTokens <= 0 {
		maxInputTokens = DefaultMaxInputTokens
	}
	a := &Assembler{maxInputTokens: maxInputTokens, estimate: EstimateTokens}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FromSettings creates an Assembler from configuration.
func FromSettings(cfg config.PromptConfig) *Assembler {
	return NewAssembler(cfg.MaxInputTokens)
}

// MaxInputTokens returns the configured budget.
func (a *Assembler) MaxInputTokens() int { return a.maxInputTokens }

// Assemble renders a prompt with no conversation history.
func Assemble(question string, chunks []vectorstore.Chunk, maxInputTokens int) (string, []vectorstore.Chunk) {
	return NewAssembler(maxInputTokens).Assemble(question, chunks, nil)
}

// Assemble renders the prompt and returns exactly the chunks it contains,
// in the order they appear.
//
// Chunks are considered by descending score, ties keeping input order. A
// chunk that does not fit in the remaining budget is skipped whole and the
// next one is tried. History is dropped oldest first until the fixed part of
// the prompt fits. The header and question are never dropped, so a question
// larger than the budget yields a prompt with no context.
func (a *Assembler) Assemble(question string, chunks []vectorstore.Chunk, history []Turn) (string, []vectorstore.Chunk) {
	question = strings.TrimSpace(question)
	closing := "Question: " + question + "\n" + footer

	// Every rendered piece is costed with its trailing separator so the sum
	// of estimates bounds the estimate of the whole prompt.
	fixed := a.estimate(Header+"\n\n") + a.estimate(contextTitle+"\n") +
		a.estimate(noContext+"\n") + a.estimate("\n"+closing)
	historyLines := renderHistory(history)
	historyCost := a.historyCost(historyLines)
	for len(historyLines) > 0 && fixed+historyCost > a.maxInputTokens {
		// each turn is two lines
		historyLines = historyLines[2:]
		historyCost = a.historyCost(historyLines)
	}
	fixed += historyCost

	ranked := slices.Clone(chunks)
	slices.SortStableFunc(ranked, func(x, y vectorstore.Chunk) int {
		switch {
		case x.Score > y.Score:
			return -1
		case x.Score < y.Score:
			return 1
		default:
			return 0
		}
	})

	remaining := a.maxInputTokens - fixed
	var (
		used    []vectorstore.Chunk
		bullets []string
	)
	for _, c := range ranked {
		bullet := renderChunk(c)
		cost := a.estimate(bullet + "\n")
		if cost > remaining {
			skippedChunks.Inc()
			continue
		}
		remaining -= cost
		used = append(used, c)
		bullets = append(bullets, bullet)
	}

	var b strings.Builder
	b.WriteString(Header)
	b.WriteString("\n\n")
	if len(historyLines) > 0 {
		b.WriteString(historyTitle)
		b.WriteByte('\n')
		for _, line := range historyLines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(contextTitle)
	b.WriteByte('\n')
	if len(bullets) == 0 {
		b.WriteString(noContext)
		b.WriteByte('\n')
	}
	for _, bullet := range bullets {
		b.WriteString(bullet)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(closing)

	prompt := b.String()
	promptTokens.Observe(float64(a.estimate(prompt)))
	return prompt, used
}

func (a *Assembler) historyCost(lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	total := a.estimate(historyTitle+"\n") + a.estimate("\n")
	for _, l := range lines {
		total += a.estimate(l + "\n")
	}
	return total
}

func renderChunk(c vectorstore.Chunk) string {
	text := strings.Join(strings.Fields(c.Text), " ")
	if c.SourceID == "" {
		return "- " + text
	}
	return "- " + text + " [" + c.SourceID + "]"
}

func renderHistory(turns []Turn) []string {
	lines := make([]string, 0, 2*len(turns))
	for _, t := range turns {
		lines = append(lines,
			"- Q: "+strings.Join(strings.Fields(t.Question), " "),
			"- A: "+strings.Join(strings.Fields(t.Answer), " "))
	}
	return lines
}
