package database

// Queue blob queries
const (
	SelectQueueBlobQuery = `
		SELECT storage_key, payload, version, updated_at
		FROM queue_blobs
		WHERE storage_key = ?
	`

	InsertQueueBlobQuery = `
		INSERT OR IGNORE INTO queue_blobs (storage_key, payload, version)
		VALUES (?, ?, 1)
	`

	UpdateQueueBlobQuery = `
		UPDATE queue_blobs
		SET payload = ?, version = version + 1
		WHERE storage_key = ? AND version = ?
	`

	DeleteQueueBlobQuery = `
		DELETE FROM queue_blobs
		WHERE storage_key = ?
	`

	CountQueueBlobsQuery = `
		SELECT COUNT(*) FROM queue_blobs
	`
)
