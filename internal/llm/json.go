package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
)

// RepairStats records what it took to turn a model response into JSON.
type RepairStats struct {
	OriginalBytes    int           `json:"original_bytes"`
	RepairedBytes    int           `json:"repaired_bytes"`
	RepairTime       time.Duration `json:"repair_time"`
	RepairStrategies []string      `json:"repair_strategies"`
	WasRepaired      bool          `json:"was_repaired"`
}

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	lineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
)

// RepairJSON returns raw unchanged when it already parses. Otherwise it
// strips trailing commas and whole-line comments, and hands anything still
// broken to jsonrepair.
func RepairJSON(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}
	done := func(s string) RepairStats {
		stats.RepairedBytes = len(s)
		stats.RepairTime = time.Since(start)
		return stats
	}

	if json.Valid([]byte(raw)) {
		return raw, done(raw), nil
	}
	stats.WasRepaired = true
	repaired := raw

	if lineComment.MatchString(repaired) {
		repaired = lineComment.ReplaceAllString(repaired, "")
		stats.RepairStrategies = append(stats.RepairStrategies, "comments_removed")
	}
	if trailingComma.MatchString(repaired) {
		repaired = trailingComma.ReplaceAllString(repaired, "$1")
		stats.RepairStrategies = append(stats.RepairStrategies, "trailing_commas")
	}
	if json.Valid([]byte(repaired)) {
		return repaired, done(repaired), nil
	}

	fixed, err := jsonrepair.JSONRepair(repaired)
	if err != nil {
		return repaired, done(repaired), fmt.Errorf("json repair failed: %w", err)
	}
	stats.RepairStrategies = append(stats.RepairStrategies, "jsonrepair_library")
	if !json.Valid([]byte(fixed)) {
		return fixed, done(fixed), fmt.Errorf("json repair failed after %d strategies", len(stats.RepairStrategies))
	}
	return fixed, done(fixed), nil
}

// ExtractJSON pulls the JSON payload out of a response that may wrap it in
// prose or a fenced code block.
func ExtractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		return raw
	}

	if strings.Contains(raw, "```") {
		var body []string
		inBlock := false
		for _, line := range strings.Split(raw, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				if inBlock {
					break
				}
				inBlock = true
				continue
			}
			if inBlock {
				body = append(body, line)
			}
		}
		if len(body) > 0 {
			return strings.TrimSpace(strings.Join(body, "\n"))
		}
	}

	startIdx := strings.IndexAny(raw, "{[")
	if startIdx == -1 {
		return ""
	}
	opener, closer := raw[startIdx], byte('}')
	if opener == '[' {
		closer = ']'
	}
	depth := 0
	inString, escaped := false, false
	for i := startIdx; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return raw[startIdx : i+1]
			}
		}
	}
	return raw[startIdx:]
}

// DecodeJSON extracts, repairs and unmarshals a model response into v.
func DecodeJSON(raw string, v any) (RepairStats, error) {
	payload := ExtractJSON(raw)
	if payload == "" {
		return RepairStats{OriginalBytes: len(raw)}, fmt.Errorf("no JSON found in model response")
	}
	repaired, stats, err := RepairJSON(payload)
	if err != nil {
		log.Debug().Err(err).Str("payload", truncateForLog(payload, 500)).Msg("Model JSON could not be repaired")
		return stats, err
	}
	if stats.WasRepaired {
		log.Debug().
			Strs("strategies", stats.RepairStrategies).
			Int("original_bytes", stats.OriginalBytes).
			Int("repaired_bytes", stats.RepairedBytes).
			Msg("Repaired model JSON")
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return stats, fmt.Errorf("decode model JSON: %w", err)
	}
	return stats, nil
}

func truncateForLog(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
