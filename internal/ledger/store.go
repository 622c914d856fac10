package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Repo is the set of ledger reads and writes. Implementations are bound
// either to the connection pool or to a single transaction.
type Repo interface {
	CreateOrganization(ctx context.Context, o *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	CreateUser(ctx context.Context, u *User) error
	// GetUser is not org-scoped: tenants exist before they are bound to an
	// organization.
	GetUser(ctx context.Context, id string) (*User, error)
	// BindTenantOrganization sets the tenant's organization if it is unset.
	// It reports whether the binding changed.
	BindTenantOrganization(ctx context.Context, orgID, userID string) (bool, error)

	CreateProperty(ctx context.Context, p *Property) error
	GetProperty(ctx context.Context, orgID, id string) (*Property, error)
	ListProperties(ctx context.Context, orgID string) ([]Property, error)
	// ListOccupancy derives each property's occupancy from its active lease.
	ListOccupancy(ctx context.Context, orgID string) ([]Occupancy, error)

	// InsertLease reports ErrConflict when the lease is active and the
	// property already has an active lease.
	InsertLease(ctx context.Context, l *Lease) error
	GetLease(ctx context.Context, orgID, id string) (*Lease, error)
	ListLeases(ctx context.Context, orgID string, statuses ...LeaseStatus) ([]Lease, error)
	// ListLeasesByStatus is the cross-organization scan used by the sweeper.
	ListLeasesByStatus(ctx context.Context, status LeaseStatus) ([]Lease, error)
	// ActiveLeaseForProperty returns nil when the property is vacant.
	ActiveLeaseForProperty(ctx context.Context, orgID, propertyID string) (*Lease, error)
	TransitionLease(ctx context.Context, orgID, id string, from, to LeaseStatus, at time.Time) error
	AdjustLeaseBalance(ctx context.Context, orgID, id string, deltaCents int64, at time.Time) error

	CreateApplication(ctx context.Context, a *Application) error
	GetApplication(ctx context.Context, orgID, id string) (*Application, error)
	// TransitionApplication atomically moves an application from one status
	// to another and returns the row as it was before the update. No match
	// (wrong id, wrong org, or status != from) is ErrNotFound.
	TransitionApplication(ctx context.Context, orgID, id string, from, to ApplicationStatus, actor string, at time.Time) (*Application, error)

	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, orgID, id string) (*Payment, error)
	// FindPaymentForEvent resolves a webhook correlation id. It is the one
	// payment lookup that precedes knowing the organization.
	FindPaymentForEvent(ctx context.Context, id string) (*Payment, error)
	FindPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error)
	// CompletePayment flips a pending payment to completed and stores the
	// gateway transaction id. It reports false when the payment was no longer
	// pending and ErrConflict when the transaction id is already used.
	CompletePayment(ctx context.Context, orgID, id, transactionID string, at time.Time) (bool, error)
	ListCompletedPayments(ctx context.Context, orgID string, leaseIDs []string) ([]Payment, error)
}

// Store is a Repo that can also open transactions.
type Store interface {
	Repo
	// InTx runs fn in a single transaction. The transaction is rolled back
	// when fn returns an error and committed otherwise.
	InTx(ctx context.Context, fn func(tx Repo) error) error
}

// DBConfig selects the database backend.
type DBConfig struct {
	Dialect      string // dialect.SQLite or dialect.Postgres
	DSN          string
	MaxOpenConns int
}

// SQLStore implements Store on top of ent's SQL driver.
type SQLStore struct {
	*repo
	drv *entsql.Driver
}

// NewSQLStore wraps an ent SQL driver.
func NewSQLStore(drv *entsql.Driver) *SQLStore {
	return &SQLStore{
		repo: &repo{conn: drv, dialect: drv.Dialect()},
		drv:  drv,
	}
}

// Open connects to the configured database. SQLite is limited to a single
// connection so transactions are serialised.
func Open(ctx context.Context, cfg DBConfig) (*SQLStore, error) {
	var driverName string
	switch cfg.Dialect {
	case dialect.SQLite:
		driverName = "sqlite"
	case dialect.Postgres:
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.Dialect == dialect.SQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return NewSQLStore(entsql.OpenDB(cfg.Dialect, db)), nil
}

// Driver exposes the ent driver for stores sharing the database.
func (s *SQLStore) Driver() *entsql.Driver { return s.drv }

// Dialect returns the ent dialect name.
func (s *SQLStore) Dialect() string { return s.drv.Dialect() }

// Close closes the connection pool.
func (s *SQLStore) Close() error { return s.drv.Close() }

// InTx implements Store.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Repo) error) (err error) {
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if v := recover(); v != nil {
			tx.Rollback()
			panic(v)
		}
	}()
	if err := fn(&repo{conn: tx, dialect: s.repo.dialect}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
