package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultChat    ResultType = "chat"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	ChatID  string     `json:"chatId"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
}

// Query is always scoped to one user's chats.
type Query struct {
	Text       string
	UserID     string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ChatRecord is the data we index for a chat.
type ChatRecord struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Model  string `json:"model"`
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID      string `json:"id"`
	ChatID  string `json:"chatId"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
	Content string `json:"content"`
}
