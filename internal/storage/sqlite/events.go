package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/storygraph/backend/internal/storage/models"
)

const eventColumns = `id, work_id, article_id, name, description, time, location, participants, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.Event, error) {
	var e models.Event
	var articleID sql.NullString
	var participants string
	var createdAt, updatedAt int64
	if err := row.Scan(&e.ID, &e.WorkID, &articleID, &e.Name, &e.Description, &e.Time, &e.Location,
		&participants, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.ArticleID = articleID.String
	if err := json.Unmarshal([]byte(participants), &e.Participants); err != nil || e.Participants == nil {
		e.Participants = []string{}
	}
	e.CreatedAt = fromTimestamp(createdAt)
	e.UpdatedAt = fromTimestamp(updatedAt)
	return &e, nil
}

// GetOrCreateEvent inserts ev unless an event with the same name already
// exists for the article, in which case the stored record is returned as is.
// The second return value reports whether a row was created.
func (c *Client) GetOrCreateEvent(ctx context.Context, ev models.Event) (*models.Event, bool, error) {
	participants := ev.Participants
	if participants == nil {
		participants = []string{}
	}
	encoded, err := json.Marshal(participants)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode participants: %w", err)
	}

	var articleID sql.NullString
	if ev.ArticleID != "" {
		articleID = sql.NullString{String: ev.ArticleID, Valid: true}
	}

	var out *models.Event
	created := false
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		ts := c.timestamp()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name, article_id) DO NOTHING
		`, uuid.New().String(), ev.WorkID, articleID, ev.Name, ev.Description, ev.Time, ev.Location,
			string(encoded), ts, ts)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n > 0

		out, err = scanEvent(tx.QueryRowContext(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE name = ? AND article_id IS ?
			ORDER BY created_at, id LIMIT 1
		`, ev.Name, articleID))
		if err != nil {
			return fmt.Errorf("failed to load event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// ListEvents returns events matching filter, oldest first.
func (c *Client) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE (? = '' OR work_id = ?) AND (? = '' OR article_id = ?)
		ORDER BY created_at, id
	`, filter.WorkID, filter.WorkID, filter.ArticleID, filter.ArticleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
