package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
	"chatr/internal/migrations"
	"chatr/internal/models"
	"chatr/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the agent's local durable key-value storage. It holds one
// versioned blob per user queue.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, constants.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		return nil, closeWith(db, err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

// ApplyMigrations runs every embedded migration. Scripts are idempotent.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	all, err := migrations.All()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseMigration, "failed to read schema")
	}
	for _, m := range all {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeDatabaseMigration, "failed to apply migration").
				WithContext("migration", m.Name)
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the underlying connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// LoadBlob returns the stored blob for key. found is false when no blob has
// been written yet.
func (d *Database) LoadBlob(ctx context.Context, key string) (models.QueueBlob, bool, error) {
	var blob models.QueueBlob
	var payload string
	var updatedAt time.Time

	err := retryableDBOperation(ctx, func() error {
		return d.db.QueryRowContext(ctx, SelectQueueBlobQuery, key).Scan(&blob.Key, &payload, &blob.Version, &updatedAt)
	}, "load queue blob")
	if err == sql.ErrNoRows {
		return models.QueueBlob{}, false, nil
	}
	if err != nil {
		return models.QueueBlob{}, false, apperrors.NewDatabaseError("load queue blob", err)
	}

	blob.UpdatedAt = updatedAt
	blob.Payload, err = d.encryptor.Decrypt(payload, key)
	if err != nil {
		// Surface undecryptable payloads as corrupt data rather than a
		// storage failure; the queue resets in that case.
		blob.Payload = ""
		return blob, true, nil
	}
	return blob, true, nil
}

// CompareAndSwapBlob writes payload under key only when the stored version
// equals expectedVersion (0 meaning "no blob yet"). It returns the new
// version, or an ErrCodeQueueConflict error when another writer got there
// first.
func (d *Database) CompareAndSwapBlob(ctx context.Context, key, payload string, expectedVersion int64) (int64, error) {
	stored, err := d.encryptor.Encrypt(payload, key)
	if err != nil {
		return 0, apperrors.NewDatabaseError("encrypt queue blob", err)
	}

	var affected int64
	err = retryableDBOperation(ctx, func() error {
		var res sql.Result
		var execErr error
		if expectedVersion == 0 {
			res, execErr = d.db.ExecContext(ctx, InsertQueueBlobQuery, key, stored)
		} else {
			res, execErr = d.db.ExecContext(ctx, UpdateQueueBlobQuery, stored, key, expectedVersion)
		}
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	}, "write queue blob")
	if err != nil {
		return 0, apperrors.NewDatabaseError("write queue blob", err)
	}

	if affected == 0 {
		return 0, apperrors.New(apperrors.ErrCodeQueueConflict, "queue blob was modified by another writer").
			WithContext("expected_version", expectedVersion)
	}
	return expectedVersion + 1, nil
}

// DeleteBlob removes the blob for key.
func (d *Database) DeleteBlob(ctx context.Context, key string) error {
	err := retryableDBOperation(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, DeleteQueueBlobQuery, key)
		return execErr
	}, "delete queue blob")
	if err != nil {
		return apperrors.NewDatabaseError("delete queue blob", err)
	}
	return nil
}

// CountBlobs returns how many user queues are stored.
func (d *Database) CountBlobs(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, CountQueueBlobsQuery).Scan(&count); err != nil {
		return 0, apperrors.NewDatabaseError("count queue blobs", err)
	}
	return count, nil
}
