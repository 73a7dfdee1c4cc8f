package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
)

// SaveAnalysis stores or replaces the canonical extraction for an article.
func (c *Client) SaveAnalysis(ctx context.Context, rec *models.AnalysisRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = fromTimestamp(c.timestamp())
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO analysis_records (article_id, result, created_at) VALUES (?, ?, ?)
		ON CONFLICT (article_id) DO UPDATE SET result = excluded.result, created_at = excluded.created_at
	`, rec.ArticleID, string(rec.Result), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

func (c *Client) GetAnalysis(ctx context.Context, articleID string) (*models.AnalysisRecord, error) {
	var rec models.AnalysisRecord
	var result string
	var createdAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT article_id, result, created_at FROM analysis_records WHERE article_id = ?`, articleID,
	).Scan(&rec.ArticleID, &result, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeEntityNotFound, "analysis not found", apperr.FieldArticleID(articleID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	rec.Result = []byte(result)
	rec.CreatedAt = fromTimestamp(createdAt)
	return &rec, nil
}
