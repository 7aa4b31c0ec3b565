package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// jobRow is the relational shape of a reminder job.
type jobRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Recipient string    `gorm:"size:255;not null"`
	Payload   string    `gorm:"type:text;not null"`
	FireAt    time.Time `gorm:"not null;index"`
	Status    string    `gorm:"size:16;not null;index:idx_reminder_jobs_status_updated,priority:1"`
	Attempts  int       `gorm:"not null;default:0"`
	LastError string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null;index:idx_reminder_jobs_status_updated,priority:2"`
}

func (jobRow) TableName() string { return "reminder_jobs" }

func toRow(j reminder.Job) jobRow {
	return jobRow{
		ID:        j.ID,
		Recipient: j.Recipient,
		Payload:   j.Payload,
		FireAt:    j.FireAt.UTC(),
		Status:    string(j.Status),
		Attempts:  j.Attempts,
		LastError: j.LastError,
		CreatedAt: j.CreatedAt.UTC(),
		UpdatedAt: j.UpdatedAt.UTC(),
	}
}

func (r jobRow) job() reminder.Job {
	return reminder.Job{
		ID:        r.ID,
		Recipient: r.Recipient,
		Payload:   r.Payload,
		FireAt:    r.FireAt.UTC(),
		Status:    reminder.Status(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// GormStore implements Store on any gorm dialect. Production uses Postgres;
// tests run it on SQLite.
type GormStore struct {
	db  *gorm.DB
	log logx.Logger
}

// NewGormStore wraps an open gorm handle. Call Migrate before use.
func NewGormStore(db *gorm.DB, log logx.Logger) *GormStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GormStore{db: db, log: log}
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := NewGormStore(db, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRow{})
}

func (s *GormStore) Put(ctx context.Context, job reminder.Job) error {
	job, err := normalizeNew(job)
	if err != nil {
		return err
	}
	row := toRow(job)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", reminder.ErrDuplicateID, job.ID)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (reminder.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reminder.Job{}, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	if err != nil {
		return reminder.Job{}, err
	}
	return row.job(), nil
}

// UpdateStatus is a compare-and-set on (status, attempts). A lost race
// re-reads the row and re-validates the transition.
func (s *GormStore) UpdateStatus(ctx context.Context, id string, status reminder.Status, attempts int, lastError string) (reminder.Job, error) {
	const maxRaces = 3
	for i := 0; ; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return reminder.Job{}, err
		}
		if err := reminder.CheckTransition(cur, status, attempts); err != nil {
			return reminder.Job{}, err
		}
		next := cur.Apply(status, attempts, lastError, time.Now())
		res := s.db.WithContext(ctx).
			Model(&jobRow{}).
			Where("id = ? AND status = ? AND attempts = ?", id, string(cur.Status), cur.Attempts).
			Updates(map[string]any{
				"status":     string(next.Status),
				"attempts":   next.Attempts,
				"last_error": next.LastError,
				"updated_at": next.UpdatedAt,
			})
		if res.Error != nil {
			return reminder.Job{}, res.Error
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		if i+1 >= maxRaces {
			return reminder.Job{}, fmt.Errorf("%w: concurrent update on %s", reminder.ErrInvalidTransition, id)
		}
	}
}

func (s *GormStore) ListPending(ctx context.Context) ([]reminder.Job, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).Where("status = ?", string(reminder.StatusPending)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToJobs(rows), nil
}

func (s *GormStore) List(ctx context.Context, f Filter) ([]reminder.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	q = q.Order("created_at DESC").Order("id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToJobs(rows), nil
}

func (s *GormStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(reminder.StatusSent), string(reminder.StatusFailed), string(reminder.StatusCancelled)}).
		Where("updated_at < ?", before.UTC()).
		Delete(&jobRow{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowsToJobs(rows []jobRow) []reminder.Job {
	out := make([]reminder.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.job())
	}
	return out
}
