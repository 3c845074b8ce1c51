package executor

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RawTextKey holds the model text when no JSON object could be parsed.
const RawTextKey = "_raw_text"

// Parsed is the tagged outcome of ParseResponse. Exactly one of Data or
// Raw is meaningful, chosen by Structured.
type Parsed struct {
	Structured bool
	Data       map[string]any
	Raw        string
}

// Fields returns the data to persist: the parsed object, or the raw text
// under RawTextKey.
func (p Parsed) Fields() map[string]any {
	if p.Structured {
		return p.Data
	}
	return map[string]any{RawTextKey: p.Raw}
}

// ParseResponse locates a single JSON object in model text. It tries the
// whole text, then the body of a fenced code block, then the span from the
// first '{' to the last '}'. Failure is not an error: the text is kept as
// Raw.
func ParseResponse(text string) Parsed {
	trimmed := strings.TrimSpace(text)
	for _, candidate := range []string{trimmed, fencedBody(trimmed), braceSpan(trimmed)} {
		if candidate == "" {
			continue
		}
		if obj, ok := decodeObject(candidate); ok {
			return Parsed{Structured: true, Data: obj}
		}
	}
	return Parsed{Raw: text}
}

func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	// Trailing content means s was not a single object.
	if strings.TrimSpace(s[dec.InputOffset():]) != "" {
		return nil, false
	}
	return obj, true
}

func fencedBody(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func braceSpan(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// encodeFields renders data as the extracted_data.json artifact.
func encodeFields(data map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
