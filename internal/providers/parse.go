package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/readshelf/internal/sentences"
	"github.com/jackzampolin/readshelf/internal/store"
)

// fallbackConfidence is assigned to pages recovered from unstructured text.
const fallbackConfidence = 0.5

const sentenceListSchema = `{
	"type": "array",
	"items": {
		"oneOf": [
			{"type": "string"},
			{
				"type": "object",
				"required": ["text"],
				"properties": {
					"text": {"type": "string"},
					"isComplete": {"type": ["boolean", "null"]}
				}
			}
		]
	}
}`

var (
	multiPageSchema = jsonschema.MustCompileString("multi_page.json", `{
	"type": "object",
	"required": ["pages"],
	"properties": {
		"pages": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["sentences"],
				"properties": {
					"pageNumber": {"type": ["string", "number", "null"]},
					"confidence": {"type": ["number", "null"]},
					"chapterTitle": {"type": ["string", "null"]},
					"sentences": `+sentenceListSchema+`
				}
			}
		}
	}
}`)

	legacySchema = jsonschema.MustCompileString("legacy_page.json", `{
	"type": "object",
	"required": ["sentences"],
	"properties": {
		"pageNumber": {"type": ["string", "number", "null"]},
		"confidence": {"type": ["number", "null"]},
		"chapterTitle": {"type": ["string", "null"]},
		"sentences": `+sentenceListSchema+`
	}
}`)
)

type wirePage struct {
	PageNumber   flexLabel      `json:"pageNumber"`
	Confidence   *float64       `json:"confidence"`
	ChapterTitle *string        `json:"chapterTitle"`
	Sentences    []wireSentence `json:"sentences"`
}

type wireSentence struct {
	Text       string
	IsComplete *bool
}

func (s *wireSentence) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		return json.Unmarshal(data, &s.Text)
	}
	var obj struct {
		Text       string `json:"text"`
		IsComplete *bool  `json:"isComplete"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Text, s.IsComplete = obj.Text, obj.IsComplete
	return nil
}

// flexLabel accepts a printed page label given as a string, a number or null.
type flexLabel struct {
	Value *string
}

func (l *flexLabel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		l.Value = nil
	case bytes.HasPrefix(data, []byte(`"`)):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s != "" {
			l.Value = &s
		}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("page number: %w", err)
		}
		s := strconv.FormatFloat(f, 'f', -1, 64)
		l.Value = &s
	}
	return nil
}

// ParseExtraction decodes a backend response. It probes the multi-page shape,
// then the legacy single-page shape, and finally splits the content as plain
// text. It never fails: unusable content yields an empty result.
func ParseExtraction(content string) *ExtractionResult {
	if raw, err := parseStructuredJSON(content); err == nil {
		if pages, ok := decodeStructured(raw); ok {
			return &ExtractionResult{Pages: normalizePages(pages)}
		}
		var loose struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &loose) == nil && strings.TrimSpace(loose.Text) != "" {
			return parsePlainText(loose.Text)
		}
	}
	return parsePlainText(content)
}

func decodeStructured(raw json.RawMessage) ([]wirePage, bool) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}

	if multiPageSchema.Validate(doc) == nil {
		var resp struct {
			Pages []wirePage `json:"pages"`
		}
		if err := json.Unmarshal(raw, &resp); err == nil {
			return resp.Pages, true
		}
	}
	if legacySchema.Validate(doc) == nil {
		var page wirePage
		if err := json.Unmarshal(raw, &page); err == nil {
			return []wirePage{page}, true
		}
	}
	return nil, false
}

func parsePlainText(content string) *ExtractionResult {
	text := strings.TrimSpace(stripCodeFences(content))
	if text == "" {
		text = strings.TrimSpace(content)
	}
	split := sentences.Split(text)
	if len(split) == 0 {
		return &ExtractionResult{}
	}
	return &ExtractionResult{Pages: []PageResult{{
		Confidence: fallbackConfidence,
		Sentences:  split,
		Text:       store.JoinSentences(split),
	}}}
}

// normalizePages converts wire pages and enforces that only the final sentence
// of the whole response may be incomplete.
func normalizePages(in []wirePage) []PageResult {
	out := make([]PageResult, 0, len(in))
	for _, wp := range in {
		pr := PageResult{
			PageLabel:    wp.PageNumber.Value,
			Confidence:   clampConfidence(wp.Confidence),
			ChapterTitle: trimmedOrNil(wp.ChapterTitle),
			Sentences:    make([]store.Sentence, 0, len(wp.Sentences)),
		}
		for _, ws := range wp.Sentences {
			text := strings.TrimSpace(ws.Text)
			if text == "" {
				continue
			}
			complete := sentences.EndsWithTerminal(text)
			if ws.IsComplete != nil {
				complete = *ws.IsComplete
			}
			pr.Sentences = append(pr.Sentences, store.Sentence{Text: text, IsComplete: complete})
		}
		out = append(out, pr)
	}

	var tail *store.Sentence
	for i := range out {
		for j := range out[i].Sentences {
			if tail != nil {
				tail.IsComplete = true
			}
			tail = &out[i].Sentences[j]
		}
	}
	if tail != nil && !tail.IsComplete && sentences.EndsWithTerminal(tail.Text) {
		tail.IsComplete = true
	}

	for i := range out {
		out[i].Text = store.JoinSentences(out[i].Sentences)
	}
	return out
}

func clampConfidence(c *float64) float64 {
	if c == nil || math.IsNaN(*c) {
		return 1.0
	}
	return math.Max(0, math.Min(1, *c))
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// parseTitle extracts a title from a {"title": "..."} response or, failing
// that, the first line of plain text.
func parseTitle(content string) string {
	if raw, err := parseStructuredJSON(content); err == nil {
		var resp struct {
			Title string `json:"title"`
		}
		if json.Unmarshal(raw, &resp) == nil {
			return cleanTitle(resp.Title)
		}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	return cleanTitle(line)
}

func cleanTitle(s string) string {
	return strings.Trim(strings.TrimSpace(s), "\"'“”*# ")
}

// parseStructuredJSON parses JSON from model output, with lightweight recovery
// for markdown code fences and surrounding text.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONCandidate(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	for _, candidate := range candidates {
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, fmt.Errorf("failed to parse structured JSON")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}

	// Drop the opening fence and, if present, the closing one.
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractJSONCandidate returns the outermost object in content, if any.
func extractJSONCandidate(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}
