// Package sqlite is the durable local store backing transactions and PINs.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage"
	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	db    *gorm.DB
	locks *storage.KeyedLocks
	now   func() time.Time
}

// Open opens (creating if needed) the database at dbPath and migrates the schema.
// Any failure is reported as errs.ErrStorageUnavailable.
func Open(dbPath string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to create database directory")
		}
	}

	// the busy timeout covers a second process (CLI and server) on the same file
	db, err := gorm.Open(sqlitedriver.Open(dbPath+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to connect to database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to connect to database")
	}
	// sqlite allows one writer; a single connection queues writers in the pool
	// instead of failing them with "database is locked"
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&transactionRecord{}, &credentialRecord{}); err != nil {
		sqlDB.Close()
		return nil, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to migrate schema")
	}

	return &Database{
		db:    db,
		locks: storage.NewKeyedLocks(),
		now:   time.Now,
	}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put merges tx into the stored record inside a single database transaction.
func (d *Database) Put(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	unlock := d.locks.Lock(tx.ID)
	defer unlock()

	var stored models.Transaction
	err := d.db.WithContext(ctx).Transaction(func(dbTx *gorm.DB) error {
		var existing *models.Transaction
		var rec transactionRecord
		err := dbTx.Where("id = ?", tx.ID).Take(&rec).Error
		switch {
		case err == nil:
			m := rec.toModel()
			existing = &m
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return errs.Wrap(errs.ErrStorageUnavailable, err, "failed to load transaction %s", tx.ID)
		}

		merged, err := storage.Merge(existing, tx, d.now())
		if err != nil {
			return err
		}
		out := toRecord(merged)
		if err := dbTx.Save(&out).Error; err != nil {
			return errs.Wrap(errs.ErrStorageUnavailable, err, "failed to save transaction %s", tx.ID)
		}
		stored = merged
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}
	return stored, nil
}

func (d *Database) Get(ctx context.Context, id string) (models.Transaction, error) {
	var rec transactionRecord
	err := d.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Transaction{}, errs.New(errs.ErrTransactionNotFound, "transaction %s not found", id)
	}
	if err != nil {
		return models.Transaction{}, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to load transaction %s", id)
	}
	return rec.toModel(), nil
}

func (d *Database) GetAll(ctx context.Context) ([]models.Transaction, error) {
	var recs []transactionRecord
	if err := d.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to list transactions")
	}
	return toModels(recs), nil
}

func (d *Database) QueryByStatus(ctx context.Context, status models.Status) ([]models.Transaction, error) {
	var recs []transactionRecord
	if err := d.db.WithContext(ctx).Where("status = ?", string(status)).Find(&recs).Error; err != nil {
		return nil, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to query %s transactions", status)
	}
	return toModels(recs), nil
}

func toModels(recs []transactionRecord) []models.Transaction {
	out := make([]models.Transaction, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out
}

// Credentials exposes the PIN table as an interfaces.CredentialStore.
func (d *Database) Credentials() *CredentialStore {
	return &CredentialStore{db: d.db}
}

type CredentialStore struct {
	db *gorm.DB
}

func (c *CredentialStore) Get(ctx context.Context, userID string) (string, error) {
	var rec credentialRecord
	err := c.db.WithContext(ctx).Where("user_id = ?", userID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", interfaces.ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return rec.Pin, nil
}

func (c *CredentialStore) Set(ctx context.Context, userID, pin string) error {
	rec := credentialRecord{UserID: userID, Pin: pin}
	if err := c.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

var (
	_ interfaces.TransactionStore = (*Database)(nil)
	_ interfaces.CredentialStore  = (*CredentialStore)(nil)
)
