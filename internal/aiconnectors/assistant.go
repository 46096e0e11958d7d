package aiconnectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/convohub/internal/contextbuilder"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/extraction"
	"github.com/convohub/internal/merge"
)

// Generator is the text and structured completion surface the assistant
// needs; llm.ResilientClient satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStructured(ctx context.Context, prompt string, target any) error
}

// Assistant backs replies, memory extraction and semantic merges with one
// model.
type Assistant struct {
	gen Generator
}

func NewAssistant(gen Generator) *Assistant {
	return &Assistant{gen: gen}
}

func (a *Assistant) Generate(ctx context.Context, c *contextbuilder.Context) (string, error) {
	reply, err := a.gen.Generate(ctx, c.Render())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (a *Assistant) Extract(ctx context.Context, in extraction.Input) (*extraction.Result, error) {
	var b strings.Builder
	b.WriteString(ExtractorRole + "\n\n" + ExtractionInstructions + "\n\n")
	if in.PreviousSummary != "" {
		b.WriteString("Current summary:\n" + in.PreviousSummary + "\n\n")
	}
	b.WriteString("New turns:\n")
	for _, m := range in.NewMessages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text())
	}
	b.WriteString("\n" + ExtractionJSONStructure)

	var res extraction.Result
	if err := a.gen.GenerateStructured(ctx, b.String(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *Assistant) Resolve(ctx context.Context, d *diff.Result) (*merge.Resolution, error) {
	var res merge.Resolution
	if err := a.gen.GenerateStructured(ctx, buildMergePrompt(d), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func buildMergePrompt(d *diff.Result) string {
	var b strings.Builder
	b.WriteString(MergerRole + "\n\n" + MergeInstructions + "\n\n")
	fmt.Fprintf(&b, "TARGET summary:\n%s\n\nSOURCE summary:\n%s\n\n", orNone(d.Right.SummaryText()), orNone(d.Left.SummaryText()))

	b.WriteString("TARGET memory:\n")
	for _, f := range d.Right.SortedFacts() {
		fmt.Fprintf(&b, "- %s = %s (%s, %.2f)\n", f.Key, f.Value, f.Type, f.Confidence)
	}
	b.WriteString("\nSOURCE memory:\n")
	for _, f := range d.Left.SortedFacts() {
		fmt.Fprintf(&b, "- %s = %s (%s, %.2f)\n", f.Key, f.Value, f.Type, f.Confidence)
	}
	if d.Memory != nil && len(d.Memory.Conflicts) > 0 {
		b.WriteString("\nKeys changed on both branches since they diverged:\n")
		for _, c := range d.Memory.Conflicts {
			fmt.Fprintf(&b, "- %s: source=%q target=%q\n", c.Key, c.Left.Value, c.Right.Value)
		}
	}
	if d.Messages != nil {
		b.WriteString("\nSOURCE turns since divergence:\n")
		for _, r := range d.Messages.Left {
			for _, m := range r.Messages {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text())
			}
		}
	}
	b.WriteString("\n" + MergeJSONStructure)
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// EchoReplyGenerator answers without a model. It is used when no provider
// is configured.
type EchoReplyGenerator struct{}

func (EchoReplyGenerator) Generate(ctx context.Context, c *contextbuilder.Context) (string, error) {
	if len(c.Messages) == 0 {
		return "Hello! How can I help?", nil
	}
	last := c.Messages[len(c.Messages)-1]
	reply := "You said: " + last.Text()
	if c.Summary != nil && c.Summary.Content != "" {
		reply += " (I remember our earlier conversation.)"
	}
	return reply, nil
}
