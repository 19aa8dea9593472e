package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore implements Store on a relational database through GORM. Change
// notification is in-process only: subscribers see writes made through the
// same GormStore value.
type GormStore struct {
	db      *gorm.DB
	indexes Indexes
	hub     *hub
}

// NewGormStore opens a Postgres database and runs auto-migrations.
func NewGormStore(dsn string, indexes Indexes) (*GormStore, error) {
	return OpenGormStore(postgres.Open(dsn), indexes)
}

// NewSQLiteStore opens a SQLite database file (":memory:" works too).
func NewSQLiteStore(path string, indexes Indexes) (*GormStore, error) {
	return OpenGormStore(sqlite.Open(path), indexes)
}

// OpenGormStore opens the given dialector and runs auto-migrations.
func OpenGormStore(dialector gorm.Dialector, indexes Indexes) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&DocumentModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db, indexes: indexes, hub: newHub()}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get retrieves a document by ID.
func (s *GormStore) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	var model DocumentModel
	err := s.db.WithContext(ctx).First(&model, "collection = ? AND id = ?", collection, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return docFromModel(model), true, nil
}

// Subscribe registers fn for snapshots of collection.
func (s *GormStore) Subscribe(ctx context.Context, collection string, fn func(Snapshot)) (func(), error) {
	return s.hub.subscribe(collection, fn, func() (Snapshot, error) {
		return s.snapshot(ctx, collection)
	})
}

// Append inserts value under a new identifier.
func (s *GormStore) Append(ctx context.Context, collection string, value any) (string, error) {
	obj, err := encodeObject(value)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	model := DocumentModel{
		Collection: collection,
		ID:         NewID(),
		Body:       datatypes.JSON(body),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	s.notify(collection)
	return model.ID, nil
}

// Update merges partial into the stored body inside a transaction.
func (s *GormStore) Update(ctx context.Context, collection, id string, partial any) error {
	patch, err := encodeObject(partial)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		err := tx.First(&model, "collection = ? AND id = ?", collection, id).Error
		now := time.Now().UTC()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			body, err := mergeObject(nil, patch)
			if err != nil {
				return err
			}
			return tx.Create(&DocumentModel{
				Collection: collection,
				ID:         id,
				Body:       datatypes.JSON(body),
				CreatedAt:  now,
				UpdatedAt:  now,
			}).Error
		}
		if err != nil {
			return err
		}
		body, err := mergeObject(json.RawMessage(model.Body), patch)
		if err != nil {
			return err
		}
		return tx.Model(&DocumentModel{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]any{
				"body":       datatypes.JSON(body),
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	s.notify(collection)
	return nil
}

// QueryEqual filters by a JSON field of the body.
func (s *GormStore) QueryEqual(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if !s.indexes.Has(collection, field) {
		return nil, ErrQueryUnsupported
	}
	var models []DocumentModel
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Where(datatypes.JSONQuery("body").Equals(value, field)).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	res := make([]Document, 0, len(models))
	for _, m := range models {
		res = append(res, docFromModel(m))
	}
	return res, nil
}

// Subscribers returns the number of live subscriptions on collection.
func (s *GormStore) Subscribers(collection string) int {
	return s.hub.count(collection)
}

func (s *GormStore) snapshot(ctx context.Context, collection string) (Snapshot, error) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Order("id ASC").Find(&models).Error; err != nil {
		return Snapshot{}, fmt.Errorf("load collection %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, docFromModel(m))
	}
	return Snapshot{Collection: collection, Docs: docs}, nil
}

func (s *GormStore) notify(collection string) {
	s.hub.publish(collection, func() (Snapshot, error) {
		return s.snapshot(context.Background(), collection)
	})
}

func docFromModel(m DocumentModel) Document {
	return Document{ID: m.ID, Data: json.RawMessage(m.Body)}
}
