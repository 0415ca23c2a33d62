package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/conversatrait/internal/db"
)

// InterruptedMessage is recorded on runs that died with the process that
// owned them.
const InterruptedMessage = "Analysis interrupted by a restart."

// GormStore keeps sessions in sqlite or postgres for a single owning process.
// On open, runs still in flight from the previous owner are failed; finished
// and parked sessions are kept until the sweeper expires them.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	if err := store.failInterrupted(time.Now().UTC()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	return nil
}

func (s *GormStore) failInterrupted(now time.Time) error {
	var ids []string
	err := s.db.Model(&sessionRow{}).
		Where("status NOT IN ?", []string{string(StatusCompleted), string(StatusError), string(StatusInterventionRequired)}).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("find interrupted sessions: %w", err)
	}
	for _, id := range ids {
		_, err := s.Update(context.Background(), id, func(rec *Session) error {
			return rec.Fail(InterruptedMessage, now)
		})
		if err != nil && !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("fail interrupted session %s: %w", id, err)
		}
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, rec Session) error {
	rec.ID = normalizeID(rec.ID)
	if rec.ID == "" {
		return fmt.Errorf("session id is required")
	}
	row, err := sessionRowFromRecord(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", normalizeID(id)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord()
}

func (s *GormStore) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	id = normalizeID(id)
	var out Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load session: %w", err)
		}
		current, err := row.toRecord()
		if err != nil {
			return err
		}
		if err := fn(&current); err != nil {
			return err
		}
		current.ID = id
		updated, err := sessionRowFromRecord(current)
		if err != nil {
			return err
		}
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		out = current
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", normalizeID(id)).Delete(&sessionRow{})
	if res.Error != nil {
		return fmt.Errorf("delete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("(status IN ? AND completed_at < ?) OR (status = ? AND created_at < ?)",
			[]string{string(StatusCompleted), string(StatusError)}, cutoff,
			string(StatusInterventionRequired), cutoff).
		Delete(&sessionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("expire sessions: %w", res.Error)
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
