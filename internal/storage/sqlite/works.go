package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
	"github.com/storygraph/backend/pkg/logger"
)

const workColumns = `id, name, description, created_at, updated_at`

func scanWork(row interface{ Scan(...any) error }) (*models.Work, error) {
	var w models.Work
	var createdAt, updatedAt int64
	if err := row.Scan(&w.ID, &w.Name, &w.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt = fromTimestamp(createdAt)
	w.UpdatedAt = fromTimestamp(updatedAt)
	return &w, nil
}

// CreateWork inserts a work. A zero ID gets a fresh UUID and zero timestamps
// get the current time.
func (c *Client) CreateWork(ctx context.Context, work *models.Work) error {
	return insertWork(ctx, c.db, c, work)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertWork(ctx context.Context, db execer, c *Client, work *models.Work) error {
	if work.ID == "" {
		work.ID = uuid.New().String()
	}
	if work.CreatedAt.IsZero() {
		work.CreatedAt = fromTimestamp(c.timestamp())
	}
	if work.UpdatedAt.IsZero() {
		work.UpdatedAt = work.CreatedAt
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO works (`+workColumns+`) VALUES (?, ?, ?, ?, ?)`,
		work.ID, work.Name, work.Description, work.CreatedAt.UnixNano(), work.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert work: %w", err)
	}

	logger.Debug("Work inserted", zap.String("work_id", work.ID), zap.String("name", work.Name))
	return nil
}

func (c *Client) GetWork(ctx context.Context, id string) (*models.Work, error) {
	w, err := scanWork(c.db.QueryRowContext(ctx, `SELECT `+workColumns+` FROM works WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeEntityNotFound, "work not found", apperr.FieldWorkID(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work: %w", err)
	}
	return w, nil
}

// ListWorks returns every work in creation order, ties broken by id.
func (c *Client) ListWorks(ctx context.Context) ([]models.Work, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+workColumns+` FROM works ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list works: %w", err)
	}
	defer rows.Close()

	works := []models.Work{}
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work: %w", err)
		}
		works = append(works, *w)
	}
	return works, rows.Err()
}

func (c *Client) ListWorkSummaries(ctx context.Context) ([]models.WorkSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.description, w.created_at, w.updated_at, COUNT(a.id)
		FROM works w
		LEFT JOIN articles a ON a.work_id = w.id
		GROUP BY w.id
		ORDER BY w.created_at, w.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list work summaries: %w", err)
	}
	defer rows.Close()

	out := []models.WorkSummary{}
	for rows.Next() {
		var s models.WorkSummary
		var createdAt, updatedAt int64
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &createdAt, &updatedAt, &s.ArticleCount); err != nil {
			return nil, fmt.Errorf("failed to scan work summary: %w", err)
		}
		s.CreatedAt = fromTimestamp(createdAt)
		s.UpdatedAt = fromTimestamp(updatedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetOrCreateWorkByName returns the oldest work with name, creating one when
// none exists.
func (c *Client) GetOrCreateWorkByName(ctx context.Context, name string) (*models.Work, bool, error) {
	var work *models.Work
	created := false

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		w, err := scanWork(tx.QueryRowContext(ctx,
			`SELECT `+workColumns+` FROM works WHERE name = ? ORDER BY created_at, id LIMIT 1`, name))
		if err == nil {
			work = w
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to find work by name: %w", err)
		}

		work = &models.Work{Name: name}
		created = true
		return insertWork(ctx, tx, c, work)
	})
	if err != nil {
		return nil, false, err
	}
	return work, created, nil
}

func (c *Client) UpdateWorkName(ctx context.Context, id, name string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE works SET name = ?, updated_at = ? WHERE id = ?`, name, c.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to update work name: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeEntityNotFound, "work not found", apperr.FieldWorkID(id))
	}
	return nil
}

// DeleteWork removes the work; its articles and events cascade.
func (c *Client) DeleteWork(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM works WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete work: %w", err)
	}
	logger.Debug("Work deleted", zap.String("work_id", id))
	return nil
}

// InsertWorkWithID adds a work that already has an id elsewhere, such as a
// Work node present only in the graph.
func (c *Client) InsertWorkWithID(ctx context.Context, id, name string) (*models.Work, error) {
	work := &models.Work{ID: id, Name: name}
	if err := c.CreateWork(ctx, work); err != nil {
		return nil, err
	}
	return work, nil
}

// FindWorksByName returns works whose trimmed name equals name, oldest first.
func (c *Client) FindWorksByName(ctx context.Context, name string) ([]models.Work, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+workColumns+` FROM works WHERE trim(name) = trim(?) ORDER BY created_at, id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find works by name: %w", err)
	}
	defer rows.Close()

	works := []models.Work{}
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work: %w", err)
		}
		works = append(works, *w)
	}
	return works, rows.Err()
}
