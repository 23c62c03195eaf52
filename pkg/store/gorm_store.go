package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sophiasocial/internal/util"
	"sophiasocial/pkg/record"
)

const migrateLockID int64 = 51702417

// GormStore keeps every collection in one Postgres table of JSONB documents.
// Patches run as read-modify-write under a row lock, so each single-record
// update is atomic.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, logger *slog.Logger) (*GormStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DocumentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, logger: logger}, nil
}

func (s *GormStore) Backend() string { return BackendPostgres }

func (s *GormStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Collection(name string) Collection {
	return &gormCollection{name: name, db: s.db, logger: s.logger.With("collection", name)}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

type gormCollection struct {
	name   string
	db     *gorm.DB
	logger *slog.Logger
}

func (c *gormCollection) Name() string { return c.name }

func (c *gormCollection) Create(ctx context.Context, rec record.Record) (record.Record, error) {
	rec = record.New(rec.ID, rec.Fields)
	if rec.ID == "" {
		rec.ID = util.NewID()
	}
	body, err := json.Marshal(rec.Fields)
	if err != nil {
		return record.Record{}, fmt.Errorf("encode record: %w", err)
	}
	now := time.Now().UTC()
	model := DocumentModel{
		Collection: c.name,
		ID:         rec.ID,
		Body:       datatypes.JSON(body),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return record.Record{}, ErrDuplicateID
		}
		return record.Record{}, fmt.Errorf("insert document: %w", err)
	}
	c.logger.Debug("record created", "id", rec.ID)
	return rec.Clone(), nil
}

// ReadAll returns records ordered by creation time.
func (c *gormCollection) ReadAll(ctx context.Context) ([]record.Record, error) {
	var models []DocumentModel
	if err := c.db.WithContext(ctx).
		Where("collection = ?", c.name).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]record.Record, 0, len(models))
	for _, m := range models {
		rec, err := recordFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *gormCollection) Get(ctx context.Context, id string) (record.Record, error) {
	var model DocumentModel
	if err := c.db.WithContext(ctx).First(&model, "collection = ? AND id = ?", c.name, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return record.Record{}, ErrNotFound
		}
		return record.Record{}, fmt.Errorf("get document: %w", err)
	}
	return recordFromModel(model)
}

func (c *gormCollection) Update(ctx context.Context, id string, patch Patch) (record.Record, error) {
	if _, err := patch.Operators(id); err != nil {
		return record.Record{}, err
	}
	var out record.Record
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "collection = ? AND id = ?", c.name, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("lock document: %w", err)
		}
		next, err := c.applyTo(tx, model, patch)
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}
	c.logger.Debug("record updated", "id", id, "fields", patch.Fields())
	return out, nil
}

func (c *gormCollection) UpdateMany(ctx context.Context, ids []string, patch Patch) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := patch.Operators(""); err != nil {
		return 0, err
	}
	matched := 0
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND id IN ?", c.name, ids).
			Order("id ASC").
			Find(&models).Error; err != nil {
			return fmt.Errorf("lock documents: %w", err)
		}
		for _, model := range models {
			if _, err := c.applyTo(tx, model, patch); err != nil {
				return err
			}
		}
		matched = len(models)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}

func (c *gormCollection) Delete(ctx context.Context, id string) (string, error) {
	res := c.db.WithContext(ctx).
		Where("collection = ? AND id = ?", c.name, id).
		Delete(&DocumentModel{})
	if res.Error != nil {
		return "", fmt.Errorf("delete document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrNotFound
	}
	c.logger.Debug("record deleted", "id", id)
	return id, nil
}

func (c *gormCollection) Count(ctx context.Context) (int, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("collection = ?", c.name).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(count), nil
}

func (c *gormCollection) applyTo(tx *gorm.DB, model DocumentModel, patch Patch) (record.Record, error) {
	rec, err := recordFromModel(model)
	if err != nil {
		return record.Record{}, err
	}
	if err := patch.Apply(rec.ID, rec.Fields); err != nil {
		return record.Record{}, err
	}
	body, err := json.Marshal(rec.Fields)
	if err != nil {
		return record.Record{}, fmt.Errorf("encode record: %w", err)
	}
	if err := tx.Model(&DocumentModel{}).
		Where("collection = ? AND id = ?", c.name, rec.ID).
		Updates(map[string]any{
			"body":       datatypes.JSON(body),
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return record.Record{}, fmt.Errorf("save document: %w", err)
	}
	return rec, nil
}

func recordFromModel(m DocumentModel) (record.Record, error) {
	fields := map[string]any{}
	if len(m.Body) > 0 {
		if err := json.Unmarshal(m.Body, &fields); err != nil {
			return record.Record{}, fmt.Errorf("%w: document %s/%s: %v", ErrCorrupt, m.Collection, m.ID, err)
		}
	}
	return record.New(m.ID, fields), nil
}
