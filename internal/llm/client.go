package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/sources"

	"github.com/tidwall/gjson"
)

var ErrNotConfigured = errors.New("llm: no api key configured")

const maxLineBytes = 1 << 20

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model    string
	Messages []Message
	// APIKey overrides the server key, e.g. with a user's own provider key.
	APIKey string
}

// Delta is one streamed increment. Sources carry citations the provider
// attached to the answer.
type Delta struct {
	Text      string
	Reasoning string
	Sources   []sources.NormalizedSource
}

type Completion struct {
	Model        string
	Text         string
	Reasoning    string
	Sources      []sources.NormalizedSource
	FinishReason string
}

// Parts renders the completion as stored message parts: reasoning first, then
// the answer text, then one source part per citation.
func (c Completion) Parts() []sources.MessagePart {
	parts := []sources.MessagePart{{Type: sources.PartStepStart}}
	if c.Reasoning != "" {
		parts = append(parts, sources.MessagePart{Type: sources.PartReasoning, Reasoning: c.Reasoning})
	}
	parts = append(parts, sources.MessagePart{Type: sources.PartText, Text: c.Text})
	for _, src := range c.Sources {
		raw, err := json.Marshal(src)
		if err != nil {
			continue
		}
		parts = append(parts, sources.MessagePart{Type: sources.PartSource, Source: raw})
	}
	return parts
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.Status, e.Message)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	http         *http.Client
}

func NewClient(baseURL, apiKey, defaultModel string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		http:         &http.Client{Timeout: timeout},
	}
}

func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// Stream sends req with stream=true and calls onDelta for every non-empty
// increment. Returning an error from onDelta aborts the stream.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(Delta) error) (Completion, error) {
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return Completion{}, ErrNotConfigured
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   true,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Completion{}, &APIError{Status: resp.StatusCode, Message: msg}
	}

	out := Completion{Model: model}
	var text, reasoning strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		if !gjson.Valid(data) {
			continue
		}
		chunk := gjson.Parse(data)
		if m := chunk.Get("model").String(); m != "" {
			out.Model = m
		}
		choice := chunk.Get("choices.0")
		if reason := choice.Get("finish_reason").String(); reason != "" {
			out.FinishReason = reason
		}
		delta := Delta{
			Text:      choice.Get("delta.content").String(),
			Reasoning: firstNonEmpty(choice.Get("delta.reasoning_content").String(), choice.Get("delta.reasoning").String()),
			Sources:   citations(choice.Get("delta.annotations")),
		}
		if delta.Text == "" && delta.Reasoning == "" && len(delta.Sources) == 0 {
			continue
		}
		text.WriteString(delta.Text)
		reasoning.WriteString(delta.Reasoning)
		out.Sources = append(out.Sources, delta.Sources...)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Completion{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Completion{}, fmt.Errorf("read completion stream: %w", err)
	}
	out.Text = text.String()
	out.Reasoning = reasoning.String()
	return out, nil
}

// citations reads OpenAI url_citation annotations.
func citations(annotations gjson.Result) []sources.NormalizedSource {
	if !annotations.IsArray() {
		return nil
	}
	var out []sources.NormalizedSource
	annotations.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "url_citation" {
			return true
		}
		u := item.Get("url_citation.url").String()
		if u == "" {
			return true
		}
		out = append(out, sources.NormalizedSource{ID: u, Title: item.Get("url_citation.title").String(), URL: u})
		return true
	})
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
