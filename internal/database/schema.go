package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the tables used by the MySQL ledger and reservation
// store. Statements are idempotent so Migrate can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS seat_pools (
		event_id        VARCHAR(64) NOT NULL,
		seat_type       VARCHAR(16) NOT NULL,
		total_capacity  INT         NOT NULL,
		available_count INT         NOT NULL,
		reserved_count  INT         NOT NULL DEFAULT 0,
		committed_count INT         NOT NULL DEFAULT 0,
		version         BIGINT      NOT NULL DEFAULT 0,
		created_at      DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at      DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (event_id, seat_type),
		CONSTRAINT chk_pool_available CHECK (available_count >= 0),
		CONSTRAINT chk_pool_committed CHECK (committed_count >= 0 AND committed_count <= reserved_count),
		CONSTRAINT chk_pool_balance CHECK (available_count + reserved_count = total_capacity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS seat_pool_tokens (
		booking_id VARCHAR(64) NOT NULL PRIMARY KEY,
		event_id   VARCHAR(64) NOT NULL,
		seat_type  VARCHAR(16) NOT NULL,
		quantity   INT         NOT NULL,
		state      VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		KEY idx_tokens_pool (event_id, seat_type)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS reservations (
		booking_id     VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id        VARCHAR(64) NOT NULL DEFAULT '',
		event_id       VARCHAR(64) NOT NULL,
		seat_type      VARCHAR(16) NOT NULL,
		quantity       INT         NOT NULL,
		status         VARCHAR(16) NOT NULL,
		version        BIGINT      NOT NULL DEFAULT 0,
		last_event_seq BIGINT      NOT NULL DEFAULT 0,
		created_at     DATETIME(6) NOT NULL,
		expires_at     DATETIME(6) NOT NULL,
		updated_at     DATETIME(6) NOT NULL,
		settled        TINYINT(1)  NOT NULL DEFAULT 0,
		KEY idx_reservations_status_expires (status, expires_at, booking_id),
		KEY idx_reservations_unsettled (settled, status, booking_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
