package store

import (
	"context"

	"github.com/seantiz/depflow/internal/model"
)

// RecordStats holds aggregate statistics over journaled operations.
type RecordStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByProperty map[string]int `json:"count_by_property"`
	AvgDurationUS   float64        `json:"avg_duration_us"`
	AvgWaitUS       float64        `json:"avg_wait_us"`
}

// Store defines the persistence operations for the op journal.
type Store interface {
	InsertRecords(ctx context.Context, recs []model.OpRecord) error
	GetRecord(ctx context.Context, id string) (*model.OpRecord, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*model.OpRecord, int, error)
	GetRecordStats(ctx context.Context) (*RecordStats, error)
	Close() error
}
