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

func (c *Client) CreateArticle(ctx context.Context, article *models.Article) error {
	if article.ID == "" {
		article.ID = uuid.New().String()
	}
	now := fromTimestamp(c.timestamp())
	if article.CreatedAt.IsZero() {
		article.CreatedAt = now
	}
	article.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO articles (id, work_id, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, article.ID, article.WorkID, article.Title, article.Content,
		article.CreatedAt.UnixNano(), article.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert article: %w", err)
	}

	logger.Debug("Article inserted",
		zap.String("article_id", article.ID),
		zap.String("work_id", article.WorkID),
	)
	return nil
}

func (c *Client) GetArticle(ctx context.Context, id string) (*models.Article, error) {
	var a models.Article
	var createdAt, updatedAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT id, work_id, title, content, created_at, updated_at
		FROM articles WHERE id = ?
	`, id).Scan(&a.ID, &a.WorkID, &a.Title, &a.Content, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeEntityNotFound, "article not found", apperr.FieldArticleID(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	a.CreatedAt = fromTimestamp(createdAt)
	a.UpdatedAt = fromTimestamp(updatedAt)
	return &a, nil
}

// ListArticles returns article headers without content, oldest first. An
// empty workID lists every article.
func (c *Client) ListArticles(ctx context.Context, workID string) ([]models.Article, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, work_id, title, created_at, updated_at
		FROM articles
		WHERE ? = '' OR work_id = ?
		ORDER BY created_at, id
	`, workID, workID)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	articles := []models.Article{}
	for rows.Next() {
		var a models.Article
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.WorkID, &a.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		a.CreatedAt = fromTimestamp(createdAt)
		a.UpdatedAt = fromTimestamp(updatedAt)
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

func (c *Client) CountArticles(ctx context.Context, workID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles WHERE work_id = ?`, workID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

// RepointArticles moves every article and event of work from to work to and
// returns the number of articles moved.
func (c *Client) RepointArticles(ctx context.Context, from, to string) (int64, error) {
	var moved int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		ts := c.timestamp()
		res, err := tx.ExecContext(ctx,
			`UPDATE articles SET work_id = ?, updated_at = ? WHERE work_id = ?`, to, ts, from)
		if err != nil {
			return fmt.Errorf("failed to repoint articles: %w", err)
		}
		moved, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET work_id = ?, updated_at = ? WHERE work_id = ?`, to, ts, from); err != nil {
			return fmt.Errorf("failed to repoint events: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Info("Articles repointed",
		zap.String("from_work_id", from),
		zap.String("to_work_id", to),
		zap.Int64("articles", moved),
	)
	return moved, nil
}

// DeleteArticle removes the article; its events and analysis cascade.
func (c *Client) DeleteArticle(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM articles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete article: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeEntityNotFound, "article not found", apperr.FieldArticleID(id))
	}
	return nil
}
