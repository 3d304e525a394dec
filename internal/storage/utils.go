package storage

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	connectAttempts = 6
	connectBackoff  = 500 * time.Millisecond
)

// InitStore connects to dbConnStr, retrying with exponential backoff while
// the database is still coming up.
func InitStore(ctx context.Context, dbConnStr string) (*PostgresStore, error) {
	var store *PostgresStore
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := NewPostgresStore(dbConnStr)
		if err != nil {
			return retry.RetryableError(err)
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}
