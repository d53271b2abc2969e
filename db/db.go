// Package db provides the Postgres connection, schema migrations and the community/subscription store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

var (
	// ErrDuplicateSubscription means the community already follows the broadcaster.
	ErrDuplicateSubscription = errors.New("community already subscribed to broadcaster")
	// ErrDestinationNotSet means the community has no announcement destination yet.
	ErrDestinationNotSet = errors.New("announcement destination not set")
	// ErrNotSubscribed means the community does not follow the broadcaster.
	ErrNotSubscribed = errors.New("community not subscribed to broadcaster")
	// ErrCommunityNotFound means no community row exists.
	ErrCommunityNotFound = errors.New("community not found")
)

// Postgres SQLSTATE codes the store translates.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// DestinationChange reports what SetDestination did.
type DestinationChange int

const (
	DestinationUnchanged DestinationChange = iota
	DestinationCreated
	DestinationUpdated
)

func (c DestinationChange) String() string {
	switch c {
	case DestinationCreated:
		return "created"
	case DestinationUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Store is the relational mapping community -> destination and community+broadcaster -> subscription.
// Integrity (uniqueness, destination-before-subscription, cascade) is enforced by the schema.
type Store struct {
	DB *sql.DB
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// mapError translates constraint violations into the package sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateSubscription, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrDestinationNotSet, pgErr.ConstraintName)
		}
	}
	return err
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// SetDestination creates or replaces the community's destination in one statement.
// The WHERE clause suppresses no-op updates, so an unchanged destination returns no row.
func (s *Store) SetDestination(ctx context.Context, communityID, destinationID string) (DestinationChange, error) {
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO communities (community_id, destination_id)
		VALUES ($1, $2)
		ON CONFLICT (community_id) DO UPDATE
			SET destination_id = EXCLUDED.destination_id, updated_at = NOW()
			WHERE communities.destination_id IS DISTINCT FROM EXCLUDED.destination_id
		RETURNING (xmax = 0)`, communityID, destinationID).Scan(&inserted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return DestinationUnchanged, nil
	case err != nil:
		return DestinationUnchanged, fmt.Errorf("set destination: %w", err)
	case inserted:
		return DestinationCreated, nil
	default:
		return DestinationUpdated, nil
	}
}

// GetDestination returns the community's destination or ErrDestinationNotSet.
func (s *Store) GetDestination(ctx context.Context, communityID string) (string, error) {
	var dest string
	err := s.DB.QueryRowContext(ctx, `SELECT destination_id FROM communities WHERE community_id=$1`, communityID).Scan(&dest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDestinationNotSet
	}
	if err != nil {
		return "", fmt.Errorf("get destination: %w", err)
	}
	return dest, nil
}

// CreateSubscription records that the community follows the broadcaster.
func (s *Store) CreateSubscription(ctx context.Context, communityID, broadcasterID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO subscriptions (community_id, broadcaster_id) VALUES ($1, $2)`, communityID, broadcasterID)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// DeleteSubscription removes the pair, returning ErrNotSubscribed if it did not exist.
func (s *Store) DeleteSubscription(ctx context.Context, communityID, broadcasterID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE community_id=$1 AND broadcaster_id=$2`, communityID, broadcasterID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n == 0 {
		return ErrNotSubscribed
	}
	return nil
}

// ListBroadcasters returns the broadcaster ids a community follows, oldest first.
func (s *Store) ListBroadcasters(ctx context.Context, communityID string) ([]string, error) {
	return s.strings(ctx, `SELECT broadcaster_id FROM subscriptions WHERE community_id=$1 ORDER BY subscription_id`, communityID)
}

// ListDestinations returns the distinct destinations of every community following the broadcaster.
func (s *Store) ListDestinations(ctx context.Context, broadcasterID string) ([]string, error) {
	return s.strings(ctx, `
		SELECT DISTINCT c.destination_id
		FROM subscriptions s
		JOIN communities c ON c.community_id = s.community_id
		WHERE s.broadcaster_id=$1
		ORDER BY c.destination_id`, broadcasterID)
}

// DeleteCommunity removes the community; its subscriptions go with it via ON DELETE CASCADE.
func (s *Store) DeleteCommunity(ctx context.Context, communityID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM communities WHERE community_id=$1`, communityID)
	if err != nil {
		return fmt.Errorf("delete community: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCommunityNotFound
	}
	return nil
}

func (s *Store) strings(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
