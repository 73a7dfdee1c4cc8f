package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/storygraph/backend/pkg/apperr"
)

// Normalizer turns raw per-chunk provider output into one canonical Result.
type Normalizer struct {
	log *zap.Logger
}

func NewNormalizer(log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{log: log.Named("normalizer")}
}

// Normalize parses every chunk, skipping the ones that do not decode, and
// merges the survivors. It fails with CodeExtractionEmpty when nothing parses.
func (n *Normalizer) Normalize(chunks []string) (*Result, error) {
	payloads := make([]Payload, 0, len(chunks))
	for i, raw := range chunks {
		payload, err := ParseChunk(raw)
		if err != nil {
			n.log.Warn("Skipping malformed chunk",
				zap.Int("chunk", i),
				zap.Int("bytes", len(raw)),
				zap.Error(err),
			)
			continue
		}
		payloads = append(payloads, *payload)
	}

	if len(payloads) == 0 {
		return nil, apperr.New(apperr.CodeExtractionEmpty, "no chunk produced a parseable extraction",
			apperr.Field("chunks", len(chunks)))
	}

	result := n.MergePayloads(payloads)
	n.log.Debug("Extraction normalized",
		zap.Int("chunks", len(chunks)),
		zap.Int("parsed", len(payloads)),
		zap.Int("characters", len(result.Characters)),
		zap.Int("forces", len(result.Forces)),
		zap.Int("events", len(result.Events)),
		zap.Int("relationships", len(result.Relationships)),
	)
	return result, nil
}

// MergePayloads combines already-decoded payloads. Singleton fields take the
// first non-empty value; list fields are concatenated then deduplicated by
// natural key, keeping the last occurrence in the position of the first.
func (n *Normalizer) MergePayloads(payloads []Payload) *Result {
	merged := &Result{
		Characters:    []Character{},
		Forces:        []Force{},
		Events:        []Event{},
		Relationships: []Relationship{},
	}

	for _, p := range payloads {
		if merged.WorkName == "" && p.WorkName != "" {
			merged.WorkName = p.WorkName
		}
		if merged.Title == "" && p.Title != "" {
			merged.Title = p.Title
		}
		merged.Characters = append(merged.Characters, p.Characters...)
		merged.Forces = append(merged.Forces, p.Forces...)
		merged.Events = append(merged.Events, p.Events...)
		merged.Relationships = append(merged.Relationships, p.Relationships...)
	}

	merged.Characters = dedupeLast(merged.Characters, func(c Character) string { return c.Name })
	merged.Forces = dedupeLast(merged.Forces, func(f Force) string { return f.Name })
	merged.Events = dedupeLast(merged.Events, func(e Event) string { return e.Title })
	merged.Relationships = dedupeLast(merged.Relationships, Relationship.key)

	return merged
}

// ParseChunk decodes one provider response into a normalized payload.
func ParseChunk(raw string) (*Payload, error) {
	body := StripFences(raw)
	if body == "" {
		return nil, fmt.Errorf("empty chunk")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode chunk: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("chunk is not a JSON object")
	}

	payload := &Payload{
		WorkName:      text(doc["work_name"]),
		Title:         text(doc["title"]),
		Characters:    []Character{},
		Forces:        []Force{},
		Events:        []Event{},
		Relationships: []Relationship{},
	}

	for _, obj := range objects(doc["characters"]) {
		c := Character{
			Name:        text(obj["name"]),
			Description: text(obj["description"]),
			Faction:     text(obj["faction"]),
		}
		if c.Name == "" {
			continue
		}
		payload.Characters = append(payload.Characters, c)
	}

	for _, obj := range objects(doc["forces"]) {
		f := Force{
			Name:        text(obj["name"]),
			Description: text(obj["description"]),
		}
		if f.Name == "" {
			continue
		}
		payload.Forces = append(payload.Forces, f)
	}

	for _, obj := range objects(doc["events"]) {
		payload.Events = append(payload.Events, Event{
			Title:        text(obj["title"]),
			Description:  text(obj["description"]),
			Participants: participantList(obj["participants"]),
			Location:     text(obj["location"]),
			Time:         text(obj["time"]),
		})
	}

	for _, obj := range objects(doc["relationships"]) {
		r := Relationship{
			Source:      text(obj["source"]),
			Target:      text(obj["target"]),
			Type:        strings.ToLower(text(obj["type"])),
			Description: text(obj["description"]),
		}
		if r.Source == "" || r.Target == "" || r.Type == "" {
			continue
		}
		payload.Relationships = append(payload.Relationships, r)
	}

	return payload, nil
}

// StripFences removes a surrounding Markdown code fence, with or without a
// json language tag.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = s[len("```json"):]
	case strings.HasPrefix(s, "```"):
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func dedupeLast[T any](items []T, key func(T) string) []T {
	index := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		k := key(item)
		if i, ok := index[k]; ok {
			out[i] = item
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

func objects(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// participantList coerces a participants value to a list of names. Anything that is
// not a list yields an empty slice.
func participantList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := text(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
