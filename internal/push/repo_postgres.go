package push

import (
	"context"
	"database/sql"
	"time"

	"call-signaling/pkg/utils"
)

// PostgresTokenRepo stores device tokens in the device_tokens table:
//
//	device_tokens (
//	  user_id    TEXT NOT NULL,
//	  token      TEXT NOT NULL,
//	  platform   TEXT NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL,
//	  PRIMARY KEY (user_id, token)
//	)
type PostgresTokenRepo struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db, clock: time.Now}
}

func (r *PostgresTokenRepo) Save(ctx context.Context, t DeviceToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.clock().UTC()
	}
	// A device that switched accounts must stop ringing for the old one.
	// Reclaiming the token and registering it are one transaction so the
	// token never exists under two users.
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const reclaim = `DELETE FROM device_tokens WHERE token = $1 AND user_id <> $2`
		if _, err := tx.ExecContext(ctx, reclaim, t.Token, t.UserID); err != nil {
			return err
		}
		const q = `
INSERT INTO device_tokens (user_id, token, platform, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id, token)
DO UPDATE SET platform = EXCLUDED.platform
`
		_, err := tx.ExecContext(ctx, q, t.UserID, t.Token, t.Platform, t.CreatedAt)
		return err
	})
}

func (r *PostgresTokenRepo) TokensForUser(ctx context.Context, userID string) ([]DeviceToken, error) {
	const q = `
SELECT user_id, token, platform, created_at
FROM device_tokens
WHERE user_id = $1
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.UserID, &t.Token, &t.Platform, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresTokenRepo) Delete(ctx context.Context, userID, token string) error {
	const q = `DELETE FROM device_tokens WHERE user_id = $1 AND token = $2`
	_, err := r.db.ExecContext(ctx, q, userID, token)
	return err
}
