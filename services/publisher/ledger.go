package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relpub/pkg/db"
)

// Ledger keeps a local record of what each run created on the server.
type Ledger interface {
	RecordRelease(ctx context.Context, release *Release) error
	RecordArtifact(ctx context.Context, release *Release, artifact *Artifact) error
	MarkPublished(ctx context.Context, release *Release) error
}

// GormLedger stores the ledger in Postgres.
type GormLedger struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewLedger opens the ledger on pool. Run db.Migrate first.
func NewLedger(pool *pgxpool.Pool) (*GormLedger, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}

	orm, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 stdlib.OpenDBFromPool(pool),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	return &GormLedger{pool: pool, orm: orm}, nil
}

func (l *GormLedger) RecordRelease(ctx context.Context, release *Release) error {
	model := newReleaseModel(release)
	return l.orm.WithContext(ctx).Create(&model).Error
}

func (l *GormLedger) RecordArtifact(ctx context.Context, release *Release, artifact *Artifact) error {
	orm := l.orm.WithContext(ctx)

	var parent releaseModel
	if err := orm.Where("remote_id = ?", release.ID).First(&parent).Error; err != nil {
		return fmt.Errorf("find release %s: %w", release.ID, err)
	}

	model := newArtifactModel(parent.ID, artifact)
	return orm.Create(&model).Error
}

func (l *GormLedger) MarkPublished(ctx context.Context, release *Release) error {
	status := release.Status
	if status == "" {
		status = "PUBLISHED"
	}
	now := time.Now().UTC()
	return l.orm.WithContext(ctx).
		Model(&releaseModel{}).
		Where("remote_id = ?", release.ID).
		Updates(map[string]any{"status": status, "published_at": now, "link": release.Link}).
		Error
}

// HistoryEntry summarises one recorded release.
type HistoryEntry struct {
	RemoteID    string     `db:"remote_id"`
	Version     string     `db:"version"`
	Channel     string     `db:"channel"`
	Status      string     `db:"status"`
	Link        string     `db:"link"`
	Artifacts   int        `db:"artifacts"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
}

const historyQuery = `
SELECT r.remote_id, r.version, r.channel, r.status, COALESCE(r.link, '') AS link,
       COUNT(a.id)::int AS artifacts, r.created_at, r.published_at
FROM releases r
LEFT JOIN artifacts a ON a.release_id = r.id
GROUP BY r.id
ORDER BY r.created_at DESC
LIMIT $1`

// History lists the most recently recorded releases, newest first.
func (l *GormLedger) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []HistoryEntry
	if err := db.Select(ctx, l.pool, &entries, historyQuery, limit); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return entries, nil
}
