package sources

import (
	"encoding/json"
	"strings"

	"github.com/rs/xid"
	"github.com/tidwall/gjson"
)

// NormalizedSource is a citation-like record shown next to an answer.
// Synthesized IDs ("src_…") are list keys for one call only; never persist them.
type NormalizedSource struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// MessagePart is one element of a streamed assistant message. Every payload
// field is untrusted; Source and ToolInvocation.Result keep their raw JSON.
type MessagePart struct {
	Type           string          `json:"type"`
	Text           string          `json:"text,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	Source         json.RawMessage `json:"source,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
	MimeType       string          `json:"mimeType,omitempty"`
	Data           string          `json:"data,omitempty"`
}

type ToolInvocation struct {
	State      string          `json:"state"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

const (
	PartText           = "text"
	PartReasoning      = "reasoning"
	PartSource         = "source"
	PartToolInvocation = "tool-invocation"
	PartFile           = "file"
	PartStepStart      = "step-start"

	StateResult = "result"
)

// resultShape is the closed set of tool result layouts the normalizer knows.
type resultShape int

const (
	shapeUnrecognized resultShape = iota
	shapeCitationBundle
	shapeGenericArray
	shapeFileSearch
	shapeContentParts
)

func (s resultShape) String() string {
	switch s {
	case shapeCitationBundle:
		return "citation_bundle"
	case shapeGenericArray:
		return "generic_array"
	case shapeFileSearch:
		return "file_search"
	case shapeContentParts:
		return "content_parts"
	default:
		return "unrecognized"
	}
}

// Normalize extracts sources from parts, deduplicated by ID with the first
// occurrence kept. It never fails; unknown or malformed parts yield nothing.
func Normalize(parts []MessagePart) []NormalizedSource {
	collected := make([]NormalizedSource, 0)
	for _, part := range parts {
		collected = append(collected, fromPart(part)...)
	}
	return dedupe(collected)
}

// NormalizeJSON is Normalize over a raw JSON array of parts. Anything that is
// not an array yields an empty slice.
func NormalizeJSON(raw []byte) []NormalizedSource {
	return Normalize(ParseParts(raw))
}

// ParseParts decodes a raw JSON array of parts leniently: non-object elements
// are dropped and badly typed fields are left empty. Non-arrays yield nil.
func ParseParts(raw []byte) []MessagePart {
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return nil
	}
	parts := make([]MessagePart, 0)
	doc.ForEach(func(_, value gjson.Result) bool {
		if value.IsObject() {
			parts = append(parts, partFromJSON(value))
		}
		return true
	})
	return parts
}

// partFromJSON reads a part field by field so one badly typed field does not
// discard the whole message.
func partFromJSON(value gjson.Result) MessagePart {
	part := MessagePart{
		Type:      stringValue(value.Get("type")),
		Text:      stringValue(value.Get("text")),
		Reasoning: stringValue(value.Get("reasoning")),
		MimeType:  stringValue(value.Get("mimeType")),
		Data:      stringValue(value.Get("data")),
	}
	if src := value.Get("source"); src.IsObject() {
		part.Source = json.RawMessage(src.Raw)
	}
	if inv := value.Get("toolInvocation"); inv.IsObject() {
		part.ToolInvocation = &ToolInvocation{
			State:      stringValue(inv.Get("state")),
			ToolCallID: stringValue(inv.Get("toolCallId")),
			ToolName:   stringValue(inv.Get("toolName")),
		}
		if args := inv.Get("args"); args.Exists() {
			part.ToolInvocation.Args = json.RawMessage(args.Raw)
		}
		if result := inv.Get("result"); result.Exists() {
			part.ToolInvocation.Result = json.RawMessage(result.Raw)
		}
	}
	return part
}

func fromPart(part MessagePart) []NormalizedSource {
	if part.Type == PartSource {
		if src, ok := sourceObject(gjson.ParseBytes(part.Source)); ok {
			return []NormalizedSource{src}
		}
		return nil
	}
	inv := part.ToolInvocation
	if inv == nil || inv.State != StateResult || len(inv.Result) == 0 {
		return nil
	}
	result := gjson.ParseBytes(inv.Result)
	switch shape, items := classify(inv.ToolName, result); shape {
	case shapeCitationBundle:
		return fromCitationBundle(items)
	case shapeGenericArray:
		return fromGenericArray(items)
	case shapeFileSearch:
		return fromFileSearch(items)
	case shapeContentParts:
		return fromContentParts(items)
	default:
		return nil
	}
}

// classify picks the first matching shape and returns the list it found.
// Citation items are looked up under "result", then "sources", then the
// result itself.
func classify(toolName string, result gjson.Result) (resultShape, gjson.Result) {
	if matchesTool(toolName, "summarizesources") {
		for _, items := range []gjson.Result{result.Get("result"), result.Get("sources"), result} {
			if items.IsArray() && anyItemHas(items, "citations") {
				return shapeCitationBundle, items
			}
		}
	}
	if result.IsArray() {
		return shapeGenericArray, result
	}
	if matchesTool(toolName, "filesearch") {
		if results := result.Get("results"); results.IsArray() {
			return shapeFileSearch, results
		}
	}
	if content := result.Get("content"); content.IsArray() {
		return shapeContentParts, content
	}
	return shapeUnrecognized, gjson.Result{}
}

// fromCitationBundle flattens every item's citations. A citations field that is
// not a list makes the whole bundle malformed.
func fromCitationBundle(items gjson.Result) []NormalizedSource {
	var out []NormalizedSource
	malformed := false
	items.ForEach(func(_, item gjson.Result) bool {
		citations := item.Get("citations")
		if !citations.Exists() {
			return true
		}
		if !citations.IsArray() {
			malformed = true
			return false
		}
		citations.ForEach(func(_, citation gjson.Result) bool {
			if citation.Type == gjson.String {
				out = append(out, NormalizedSource{ID: firstNonEmpty(citation.String(), synthesizeID()), URL: citation.String()})
				return true
			}
			if !citation.IsObject() {
				return true
			}
			id := idValue(citation.Get("id"))
			url := stringValue(citation.Get("url"))
			out = append(out, NormalizedSource{
				ID:    firstNonEmpty(id, url, synthesizeID()),
				Title: stringValue(citation.Get("title")),
				URL:   url,
			})
			return true
		})
		return true
	})
	if malformed {
		return nil
	}
	return out
}

func fromGenericArray(items gjson.Result) []NormalizedSource {
	var out []NormalizedSource
	items.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		id := idValue(item.Get("id"))
		url := stringValue(item.Get("url"))
		title := stringValue(item.Get("title"))
		if id == "" && url == "" && title == "" {
			return true
		}
		out = append(out, NormalizedSource{ID: firstNonEmpty(id, url, synthesizeID()), Title: title, URL: url})
		return true
	})
	return out
}

func fromFileSearch(results gjson.Result) []NormalizedSource {
	var out []NormalizedSource
	results.ForEach(func(_, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		id := firstNonEmpty(idValue(entry.Get("file_id")), idValue(entry.Get("id")))
		if id == "" {
			return true
		}
		out = append(out, NormalizedSource{
			ID:    id,
			Title: firstNonEmpty(stringValue(entry.Get("file_name")), stringValue(entry.Get("title")), placeholderTitle(id)),
			URL:   firstNonEmpty(stringValue(entry.Get("metadata.url")), stringValue(entry.Get("url"))),
		})
		return true
	})
	return out
}

func fromContentParts(content gjson.Result) []NormalizedSource {
	var out []NormalizedSource
	content.ForEach(func(_, item gjson.Result) bool {
		if stringValue(item.Get("type")) != PartSource {
			return true
		}
		if src, ok := sourceObject(item.Get("source")); ok {
			out = append(out, src)
		}
		return true
	})
	return out
}

func sourceObject(src gjson.Result) (NormalizedSource, bool) {
	if !src.IsObject() {
		return NormalizedSource{}, false
	}
	id := idValue(src.Get("id"))
	if id == "" {
		return NormalizedSource{}, false
	}
	return NormalizedSource{ID: id, Title: stringValue(src.Get("title")), URL: stringValue(src.Get("url"))}, true
}

func dedupe(in []NormalizedSource) []NormalizedSource {
	out := make([]NormalizedSource, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, src := range in {
		if _, ok := seen[src.ID]; ok {
			continue
		}
		seen[src.ID] = struct{}{}
		out = append(out, src)
	}
	return out
}

func anyItemHas(items gjson.Result, key string) bool {
	found := false
	items.ForEach(func(_, item gjson.Result) bool {
		if item.IsObject() && item.Get(key).Exists() {
			found = true
			return false
		}
		return true
	})
	return found
}

// matchesTool compares tool names ignoring case and '_' / '-' separators, so
// fileSearch, file_search and file-search are the same tool.
func matchesTool(name, canonical string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer("_", "", "-", "").Replace(name)
	return name == canonical
}

// idValue coerces string and number ids to a trimmed string.
func idValue(value gjson.Result) string {
	switch value.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(value.String())
	default:
		return ""
	}
}

func stringValue(value gjson.Result) string {
	if value.Type != gjson.String {
		return ""
	}
	return value.String()
}

func placeholderTitle(id string) string {
	runes := []rune(id)
	if len(runes) > 6 {
		runes = runes[:6]
	}
	return "Document " + string(runes)
}

func synthesizeID() string {
	return "src_" + xid.New().String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Text joins the text parts of a message, in order, separated by blank lines.
func Text(parts []MessagePart) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type != PartText || strings.TrimSpace(part.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// TextJSON is Text over a raw JSON array of parts.
func TextJSON(raw []byte) string {
	return Text(ParseParts(raw))
}
