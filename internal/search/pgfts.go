package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search unions chat titles and message bodies owned by q.UserID, ranked by
// ts_rank with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.UserID == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultChat {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'chat'::text AS type, c.id::text AS id, c.id::text AS chat_id, c.title,
				''::text AS snippet,
				ts_rank(c.fts, %s) AS rank
			FROM chats c
			WHERE c.user_id = $2 AND c.fts @@ %s`, tsQuery, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id::text AS id, m.chat_id::text AS chat_id, c.title,
				ts_headline('english', m.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			JOIN chats c ON c.id = m.chat_id
			WHERE c.user_id = $2 AND m.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	args := []any{q.Text, q.UserID}

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, chat_id, title, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.ChatID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every chat and message for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ChatRecord, []MessageRecord, error) {
	chatRows, err := p.db.QueryContext(ctx, `SELECT id::text, user_id::text, title, model FROM chats`)
	if err != nil {
		return nil, nil, fmt.Errorf("load chats: %w", err)
	}
	defer chatRows.Close()

	chats := make([]ChatRecord, 0)
	for chatRows.Next() {
		var c ChatRecord
		if err := chatRows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model); err != nil {
			return nil, nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := chatRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate chats: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT m.id::text, m.chat_id::text, c.user_id::text, m.role, m.content
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE m.content <> ''
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Role, &m.Content); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}
	return chats, messages, nil
}
