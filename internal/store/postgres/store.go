package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Connect opens and pings a Postgres-backed GORM pool.
func Connect(ctx context.Context, databaseURL string, maxConns int, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Str("module", "postgres").Msg("connected")
	return db, nil
}

// RunMigrations applies the embedded SQL files in lexical order. Every file
// is idempotent.
func RunMigrations(ctx context.Context, db *gorm.DB, log zerolog.Logger) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := db.WithContext(ctx).Exec(string(raw)).Error; err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		log.Info().Str("module", "postgres").Str("migration", name).Msg("migration applied")
	}
	return nil
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, rec *deposit.Record) error {
	m, err := toModel(rec)
	if err != nil {
		return err
	}
	if m.Status == "" {
		m.Status = string(deposit.StatusPending)
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return deposit.ErrAlreadyExists
		}
		return fmt.Errorf("insert deposit %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*deposit.Record, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, deposit.ErrRecordNotFound
	}
	var m depositModel
	if err := s.db.WithContext(ctx).Where("id = ?", uid).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deposit.ErrRecordNotFound
		}
		return nil, err
	}
	return m.toRecord(), nil
}

func (s *Store) FindByStatus(ctx context.Context, status deposit.Status) ([]*deposit.Record, error) {
	return s.find(ctx, "status = ?", string(status))
}

func (s *Store) FindNotStatus(ctx context.Context, status deposit.Status) ([]*deposit.Record, error) {
	return s.find(ctx, "status <> ?", string(status))
}

// FindByHandle prefers a pending record when the feed has reused a handle
// across connections.
func (s *Store) FindByHandle(ctx context.Context, handle int64) (*deposit.Record, error) {
	var m depositModel
	err := s.db.WithContext(ctx).
		Where("feed_handle = ?", handle).
		Order("CASE WHEN status = 'pending' THEN 0 ELSE 1 END").
		Order("created_at DESC").
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deposit.ErrRecordNotFound
		}
		return nil, err
	}
	return m.toRecord(), nil
}

func (s *Store) HasPending(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&depositModel{}).
		Where("status = ?", string(deposit.StatusPending)).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, expected, next deposit.Status) (bool, error) {
	if !deposit.CanTransition(expected, next) {
		return false, &deposit.TransitionError{ID: id, From: expected, To: next}
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, deposit.ErrRecordNotFound
	}
	res := s.db.WithContext(ctx).
		Model(&depositModel{}).
		Where("id = ? AND status = ?", uid, string(expected)).
		Updates(map[string]any{
			"status":     string(next),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, s.mustExist(ctx, uid)
	}
	return true, nil
}

func (s *Store) UpdateHandle(ctx context.Context, id string, handle int64) (bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return false, deposit.ErrRecordNotFound
	}
	res := s.db.WithContext(ctx).
		Model(&depositModel{}).
		Where("id = ? AND feed_handle IS NULL", uid).
		Updates(map[string]any{
			"feed_handle": handle,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, s.mustExist(ctx, uid)
	}
	return true, nil
}

func (s *Store) SetTransferID(ctx context.Context, id, transferID string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return deposit.ErrRecordNotFound
	}
	res := s.db.WithContext(ctx).
		Model(&depositModel{}).
		Where("id = ?", uid).
		Updates(map[string]any{
			"transfer_id": transferID,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return deposit.ErrRecordNotFound
	}
	return nil
}

func (s *Store) find(ctx context.Context, where string, args ...any) ([]*deposit.Record, error) {
	var ms []depositModel
	if err := s.db.WithContext(ctx).Where(where, args...).Order("created_at ASC").Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*deposit.Record, 0, len(ms))
	for i := range ms {
		out = append(out, ms[i].toRecord())
	}
	return out, nil
}

func (s *Store) mustExist(ctx context.Context, id uuid.UUID) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&depositModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return deposit.ErrRecordNotFound
	}
	return nil
}
