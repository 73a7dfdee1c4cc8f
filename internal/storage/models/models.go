package models

import (
	"encoding/json"
	"time"
)

type Work struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkSummary is a Work with its catalog article count.
type WorkSummary struct {
	Work
	ArticleCount int `json:"article_count"`
}

type Article struct {
	ID        string    `json:"id"`
	WorkID    string    `json:"work_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is stored in the catalog only. ArticleID is empty for events not
// tied to an originating article.
type Event struct {
	ID           string    `json:"id"`
	WorkID       string    `json:"work_id"`
	ArticleID    string    `json:"article_id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Time         string    `json:"time"`
	Location     string    `json:"location"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AnalysisRecord keeps the canonical extraction that produced an article.
type AnalysisRecord struct {
	ArticleID string          `json:"article_id"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventFilter selects events by work, article, or both. Empty fields match all.
type EventFilter struct {
	WorkID    string
	ArticleID string
}
