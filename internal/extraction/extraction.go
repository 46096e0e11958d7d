// Package extraction derives rolling summaries and memory facts from
// conversation turns.
package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/convohub/internal/history"
)

// Input carries the turns added since the previous summary, oldest first.
type Input struct {
	ThreadID        string
	BranchID        string
	Trigger         *history.Message
	NewMessages     []*history.Message
	PreviousSummary string
}

type Result struct {
	Summary string              `json:"summary"`
	Facts   []history.FactInput `json:"facts"`
}

type Extractor interface {
	Extract(ctx context.Context, in Input) (*Result, error)
}

// Confidence assigned per memory type by the pattern extractor.
var typeConfidence = map[history.MemoryType]float64{
	history.MemoryPreference:   0.9,
	history.MemoryFactType:     0.8,
	history.MemoryContext:      0.7,
	history.MemoryRelationship: 0.6,
}

type pattern struct {
	re      *regexp.Regexp
	kind    history.MemoryType
	key     func(m []string) string
	value   func(m []string) string
	roleAll bool
}

var patterns = []pattern{
	{
		re:    regexp.MustCompile(`(?i)\bmy name is ([\p{L}'-]+)`),
		kind:  history.MemoryFactType,
		key:   func([]string) string { return "user.name" },
		value: func(m []string) string { return m[1] },
	},
	{
		re:    regexp.MustCompile(`(?i)\bI (?:live in|am from|'m from) ([^.!?,]+)`),
		kind:  history.MemoryFactType,
		key:   func([]string) string { return "user.location" },
		value: func(m []string) string { return m[1] },
	},
	{
		re:    regexp.MustCompile(`(?i)\b(?:be|keep it|stay|use an?|in an?) (formal|casual|concise|detailed|friendly|technical)\b(?: tone| style)?`),
		kind:  history.MemoryPreference,
		key:   func([]string) string { return "tone" },
		value: func(m []string) string { return strings.ToLower(m[1]) },
	},
	{
		re:    regexp.MustCompile(`(?i)\bI (?:prefer|like|love|enjoy|want) ([^.!?]+)`),
		kind:  history.MemoryPreference,
		key:   func(m []string) string { return "preference." + slug(m[1], 3) },
		value: func(m []string) string { return m[1] },
	},
	{
		re:    regexp.MustCompile(`(?i)\bI(?: am|'m) (?:working on|building|studying|researching) ([^.!?]+)`),
		kind:  history.MemoryContext,
		key:   func([]string) string { return "context.current_work" },
		value: func(m []string) string { return m[1] },
	},
	{
		re:    regexp.MustCompile(`(?i)\bmy (manager|boss|partner|wife|husband|friend|colleague|teammate|sister|brother) is ([\p{L}'-]+)`),
		kind:  history.MemoryRelationship,
		key:   func(m []string) string { return "relationship." + strings.ToLower(m[1]) },
		value: func(m []string) string { return m[2] },
	},
}

// PatternExtractor is deterministic and needs no upstream service.
// Facts come from user turns; the summary keeps the most recent
// MaxSummaryWords words of the rolling transcript.
type PatternExtractor struct {
	MaxSummaryWords int
}

func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{MaxSummaryWords: 400}
}

func (p *PatternExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{Summary: p.rollSummary(in.PreviousSummary, in.NewMessages)}
	seen := make(map[string]int)
	for _, m := range in.NewMessages {
		if m.Role != history.RoleUser {
			continue
		}
		for _, f := range ExtractFacts(m.Text()) {
			// Later turns override earlier ones for the same key.
			if i, ok := seen[f.Key]; ok {
				res.Facts[i] = f
				continue
			}
			seen[f.Key] = len(res.Facts)
			res.Facts = append(res.Facts, f)
		}
	}
	return res, nil
}

// ExtractFacts applies every pattern to text.
func ExtractFacts(text string) []history.FactInput {
	var out []history.FactInput
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			value := strings.TrimSpace(p.value(m))
			if value == "" {
				continue
			}
			out = append(out, history.FactInput{
				Key:        p.key(m),
				Value:      value,
				Type:       p.kind,
				Confidence: typeConfidence[p.kind],
			})
		}
	}
	return out
}

func (p *PatternExtractor) rollSummary(previous string, msgs []*history.Message) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(previous))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text())
		if text == "" || m.Role == history.RoleMerge {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", speaker(m.Role), text)
	}
	return truncateWords(b.String(), p.MaxSummaryWords)
}

func speaker(r history.Role) string {
	switch r {
	case history.RoleUser:
		return "User"
	case history.RoleAssistant:
		return "Assistant"
	}
	return "System"
}

// truncateWords keeps the last n words, preserving line breaks inside the
// retained tail.
func truncateWords(s string, n int) string {
	if n <= 0 {
		return s
	}
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	cut := len(words) - n
	idx := 0
	for i := 0; i < cut; i++ {
		rest := s[idx:]
		j := strings.Index(rest, words[i])
		idx += j + len(words[i])
	}
	return "... " + strings.TrimSpace(s[idx:])
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

func slug(s string, maxWords int) string {
	words := strings.Fields(strings.ToLower(nonWord.ReplaceAllString(s, " ")))
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, "_")
}
