package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// repo implements Repo against either the pool or a transaction.
type repo struct {
	conn    dialect.ExecQuerier
	dialect string
}

var (
	organizationColumns = []string{"id", "name", "owner_id", "created_at"}
	userColumns         = []string{"id", "name", "email", "role", "organization_id", "created_at"}
	propertyColumns     = []string{"id", "organization_id", "address", "rent_cents", "listed", "created_at"}
	leaseColumns        = []string{
		"id", "organization_id", "property_id", "tenant_id", "application_id",
		"start_date", "end_date", "rent_cents", "security_deposit_cents", "balance_cents",
		"status", "created_by", "created_at", "updated_at",
	}
	applicationColumns = []string{
		"id", "organization_id", "property_id", "tenant_id", "landlord_id", "status",
		"requested_start", "requested_end", "decided_by", "decided_at", "created_at", "updated_at",
	}
	paymentColumns = []string{
		"id", "organization_id", "property_id", "lease_id", "tenant_id", "amount_cents",
		"currency", "payment_date", "method", "status", "transaction_id", "created_at", "updated_at",
	}
)

func (r *repo) builder() *entsql.DialectBuilder { return entsql.Dialect(r.dialect) }

func (r *repo) exec(ctx context.Context, q entsql.Querier) (int64, error) {
	query, args := q.Query()
	var res entsql.Result
	if err := r.conn.Exec(ctx, query, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *repo) query(ctx context.Context, q entsql.Querier) (*entsql.Rows, error) {
	query, args := q.Query()
	rows := &entsql.Rows{}
	if err := r.conn.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows *entsql.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// first returns the first row, or nil when there is none.
func first[T any](rows *entsql.Rows, scan func(scanner) (*T, error)) (*T, error) {
	all, err := collect(rows, scan)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

// Unique indexes whose violations map to domain conflicts. SQLite names the
// violated columns instead of the index, so both forms are kept.
var uniqueIndexes = map[string]string{
	indexOneActiveLease:   "leases.property_id",
	indexLeaseApplication: "leases.application_id",
	indexTransactionID:    "payments.transaction_id",
}

// violatesUnique reports whether err is a unique violation of the named
// index. Other unique failures, primary keys included, do not match.
func violatesUnique(err error, index string) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == index
	}
	const prefix = "UNIQUE constraint failed: "
	msg := err.Error()
	i := strings.Index(msg, prefix)
	if i < 0 {
		return false
	}
	cols := msg[i+len(prefix):]
	if j := strings.Index(cols, " ("); j >= 0 {
		cols = cols[:j]
	}
	cols = strings.TrimSpace(cols)
	return cols == uniqueIndexes[index] || cols == "index '"+index+"'"
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stamp(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = time.Now().UTC()
	}
}

// --- organizations and users ---

func (r *repo) CreateOrganization(ctx context.Context, o *Organization) error {
	stamp(&o.ID, &o.CreatedAt)
	_, err := r.exec(ctx, r.builder().Insert("organizations").
		Columns(organizationColumns...).
		Values(o.ID, o.Name, o.OwnerID, o.CreatedAt.UTC()))
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}
	return nil
}

func (r *repo) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(organizationColumns...).From(b.Table("organizations")).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}
	o, err := first(rows, func(s scanner) (*Organization, error) {
		var o Organization
		if err := s.Scan(&o.ID, &o.Name, &o.OwnerID, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.CreatedAt = o.CreatedAt.UTC()
		return &o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning organization: %w", err)
	}
	if o == nil {
		return nil, NotFoundf(CodeNotFound, "organization %s not found", id)
	}
	return o, nil
}

func (r *repo) CreateUser(ctx context.Context, u *User) error {
	stamp(&u.ID, &u.CreatedAt)
	_, err := r.exec(ctx, r.builder().Insert("users").
		Columns(userColumns...).
		Values(u.ID, u.Name, u.Email, string(u.Role), nullString(u.OrganizationID), u.CreatedAt.UTC()))
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func scanUser(s scanner) (*User, error) {
	var (
		u   User
		org sql.NullString
	)
	if err := s.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &org, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.OrganizationID = stringPtr(org)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (r *repo) GetUser(ctx context.Context, id string) (*User, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(userColumns...).From(b.Table("users")).Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u, err := first(rows, scanUser)
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if u == nil {
		return nil, NotFoundf(CodeNotFound, "user %s not found", id)
	}
	return u, nil
}

func (r *repo) BindTenantOrganization(ctx context.Context, orgID, userID string) (bool, error) {
	n, err := r.exec(ctx, r.builder().Update("users").
		Set("organization_id", orgID).
		Where(entsql.And(entsql.EQ("id", userID), entsql.IsNull("organization_id"))))
	if err != nil {
		return false, fmt.Errorf("binding tenant organization: %w", err)
	}
	return n > 0, nil
}

// --- properties ---

func (r *repo) CreateProperty(ctx context.Context, p *Property) error {
	stamp(&p.ID, &p.CreatedAt)
	_, err := r.exec(ctx, r.builder().Insert("properties").
		Columns(propertyColumns...).
		Values(p.ID, p.OrganizationID, p.Address, p.RentCents, p.Listed, p.CreatedAt.UTC()))
	if err != nil {
		return fmt.Errorf("inserting property: %w", err)
	}
	return nil
}

func scanProperty(s scanner) (*Property, error) {
	var p Property
	if err := s.Scan(&p.ID, &p.OrganizationID, &p.Address, &p.RentCents, &p.Listed, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (r *repo) GetProperty(ctx context.Context, orgID, id string) (*Property, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(propertyColumns...).From(b.Table("properties")).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("organization_id", orgID))))
	if err != nil {
		return nil, fmt.Errorf("querying property: %w", err)
	}
	p, err := first(rows, scanProperty)
	if err != nil {
		return nil, fmt.Errorf("scanning property: %w", err)
	}
	if p == nil {
		return nil, NotFoundf(CodeNotFound, "property %s not found", id)
	}
	return p, nil
}

func (r *repo) ListProperties(ctx context.Context, orgID string) ([]Property, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(propertyColumns...).From(b.Table("properties")).
		Where(entsql.EQ("organization_id", orgID)).
		OrderBy("address", "id"))
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	return collect(rows, scanProperty)
}

func (r *repo) ListOccupancy(ctx context.Context, orgID string) ([]Occupancy, error) {
	props, err := r.ListProperties(ctx, orgID)
	if err != nil {
		return nil, err
	}
	active, err := r.ListLeases(ctx, orgID, LeaseActive)
	if err != nil {
		return nil, err
	}
	byProperty := make(map[string]Lease, len(active))
	for _, l := range active {
		byProperty[l.PropertyID] = l
	}
	out := make([]Occupancy, 0, len(props))
	for _, p := range props {
		o := Occupancy{Property: p}
		if l, ok := byProperty[p.ID]; ok {
			o.Occupied = true
			o.ActiveLeaseID = &l.ID
			o.TenantID = &l.TenantID
		}
		out = append(out, o)
	}
	return out, nil
}

// --- leases ---

func (r *repo) InsertLease(ctx context.Context, l *Lease) error {
	stamp(&l.ID, &l.CreatedAt)
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	_, err := r.exec(ctx, r.builder().Insert("leases").
		Columns(leaseColumns...).
		Values(
			l.ID, l.OrganizationID, l.PropertyID, l.TenantID, nullString(l.ApplicationID),
			l.StartDate.UTC(), l.EndDate.UTC(), l.RentCents, l.SecurityDepositCents, l.BalanceCents,
			string(l.Status), l.CreatedBy, l.CreatedAt.UTC(), l.UpdatedAt.UTC(),
		))
	switch {
	case violatesUnique(err, indexOneActiveLease):
		return ErrPropertyAlreadyLeased(l.PropertyID)
	case violatesUnique(err, indexLeaseApplication):
		return ErrApplicationAlreadyLeased(derefOr(l.ApplicationID, ""))
	}
	if err != nil {
		return fmt.Errorf("inserting lease: %w", err)
	}
	return nil
}

func scanLease(s scanner) (*Lease, error) {
	var (
		l     Lease
		appID sql.NullString
	)
	err := s.Scan(
		&l.ID, &l.OrganizationID, &l.PropertyID, &l.TenantID, &appID,
		&l.StartDate, &l.EndDate, &l.RentCents, &l.SecurityDepositCents, &l.BalanceCents,
		&l.Status, &l.CreatedBy, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.ApplicationID = stringPtr(appID)
	l.StartDate = l.StartDate.UTC()
	l.EndDate = l.EndDate.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func (r *repo) GetLease(ctx context.Context, orgID, id string) (*Lease, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(leaseColumns...).From(b.Table("leases")).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("organization_id", orgID))))
	if err != nil {
		return nil, fmt.Errorf("querying lease: %w", err)
	}
	l, err := first(rows, scanLease)
	if err != nil {
		return nil, fmt.Errorf("scanning lease: %w", err)
	}
	if l == nil {
		return nil, NotFoundf(CodeNotFound, "lease %s not found", id)
	}
	return l, nil
}

func leaseStatusArgs(statuses []LeaseStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *repo) ListLeases(ctx context.Context, orgID string, statuses ...LeaseStatus) ([]Lease, error) {
	b := r.builder()
	pred := entsql.EQ("organization_id", orgID)
	if len(statuses) > 0 {
		pred = entsql.And(pred, entsql.In("status", leaseStatusArgs(statuses)...))
	}
	rows, err := r.query(ctx, b.Select(leaseColumns...).From(b.Table("leases")).
		Where(pred).
		OrderBy("start_date", "id"))
	if err != nil {
		return nil, fmt.Errorf("querying leases: %w", err)
	}
	return collect(rows, scanLease)
}

func (r *repo) ListLeasesByStatus(ctx context.Context, status LeaseStatus) ([]Lease, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(leaseColumns...).From(b.Table("leases")).
		Where(entsql.EQ("status", string(status))).
		OrderBy("start_date", "id"))
	if err != nil {
		return nil, fmt.Errorf("querying leases by status: %w", err)
	}
	return collect(rows, scanLease)
}

func (r *repo) ActiveLeaseForProperty(ctx context.Context, orgID, propertyID string) (*Lease, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(leaseColumns...).From(b.Table("leases")).
		Where(entsql.And(
			entsql.EQ("organization_id", orgID),
			entsql.EQ("property_id", propertyID),
			entsql.EQ("status", string(LeaseActive)),
		)).
		Limit(1))
	if err != nil {
		return nil, fmt.Errorf("querying active lease: %w", err)
	}
	l, err := first(rows, scanLease)
	if err != nil {
		return nil, fmt.Errorf("scanning lease: %w", err)
	}
	return l, nil
}

func (r *repo) TransitionLease(ctx context.Context, orgID, id string, from, to LeaseStatus, at time.Time) error {
	n, err := r.exec(ctx, r.builder().Update("leases").
		Set("status", string(to)).
		Set("updated_at", at.UTC()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("organization_id", orgID),
			entsql.EQ("status", string(from)),
		)))
	if violatesUnique(err, indexOneActiveLease) {
		return Conflictf(CodePropertyAlreadyLeased, "lease %s: property already has an active lease", id)
	}
	if err != nil {
		return fmt.Errorf("updating lease status: %w", err)
	}
	if n == 0 {
		return NotFoundf(CodeNotFound, "lease %s not found in status %s", id, from)
	}
	return nil
}

func (r *repo) AdjustLeaseBalance(ctx context.Context, orgID, id string, deltaCents int64, at time.Time) error {
	n, err := r.exec(ctx, r.builder().Update("leases").
		Add("balance_cents", deltaCents).
		Set("updated_at", at.UTC()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("organization_id", orgID))))
	if err != nil {
		return fmt.Errorf("adjusting lease balance: %w", err)
	}
	if n == 0 {
		return NotFoundf(CodeNotFound, "lease %s not found", id)
	}
	return nil
}

// --- applications ---

func (r *repo) CreateApplication(ctx context.Context, a *Application) error {
	stamp(&a.ID, &a.CreatedAt)
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.Status == "" {
		a.Status = ApplicationPending
	}
	_, err := r.exec(ctx, r.builder().Insert("applications").
		Columns(applicationColumns...).
		Values(
			a.ID, a.OrganizationID, a.PropertyID, a.TenantID, a.LandlordID, string(a.Status),
			nullTime(a.RequestedStart), nullTime(a.RequestedEnd), nullString(a.DecidedBy), nullTime(a.DecidedAt),
			a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
		))
	if err != nil {
		return fmt.Errorf("inserting application: %w", err)
	}
	return nil
}

func scanApplication(s scanner) (*Application, error) {
	var (
		a                           Application
		reqStart, reqEnd, decidedAt sql.NullTime
		decidedBy                   sql.NullString
	)
	err := s.Scan(
		&a.ID, &a.OrganizationID, &a.PropertyID, &a.TenantID, &a.LandlordID, &a.Status,
		&reqStart, &reqEnd, &decidedBy, &decidedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.RequestedStart = timePtr(reqStart)
	a.RequestedEnd = timePtr(reqEnd)
	a.DecidedBy = stringPtr(decidedBy)
	a.DecidedAt = timePtr(decidedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (r *repo) GetApplication(ctx context.Context, orgID, id string) (*Application, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(applicationColumns...).From(b.Table("applications")).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("organization_id", orgID))))
	if err != nil {
		return nil, fmt.Errorf("querying application: %w", err)
	}
	a, err := first(rows, scanApplication)
	if err != nil {
		return nil, fmt.Errorf("scanning application: %w", err)
	}
	if a == nil {
		return nil, NotFoundf(CodeNotFound, "application %s not found", id)
	}
	return a, nil
}

func (r *repo) TransitionApplication(ctx context.Context, orgID, id string, from, to ApplicationStatus, actor string, at time.Time) (*Application, error) {
	match := entsql.And(
		entsql.EQ("id", id),
		entsql.EQ("organization_id", orgID),
		entsql.EQ("status", string(from)),
	)
	b := r.builder()
	rows, err := r.query(ctx, b.Select(applicationColumns...).From(b.Table("applications")).Where(match))
	if err != nil {
		return nil, fmt.Errorf("querying application: %w", err)
	}
	before, err := first(rows, scanApplication)
	if err != nil {
		return nil, fmt.Errorf("scanning application: %w", err)
	}
	if before == nil {
		return nil, NotFoundf(CodeNotFoundOrNotPending, "application %s not found or not %s", id, from)
	}

	upd := b.Update("applications").
		Set("status", string(to)).
		Set("updated_at", at.UTC())
	switch to {
	case ApplicationPending:
		upd = upd.SetNull("decided_by").SetNull("decided_at")
	case ApplicationApproved, ApplicationRejected:
		upd = upd.Set("decided_by", actor).Set("decided_at", at.UTC())
	}
	// The status predicate is re-applied so a concurrent transition wins
	// exactly once.
	n, err := r.exec(ctx, upd.Where(entsql.And(
		entsql.EQ("id", id),
		entsql.EQ("organization_id", orgID),
		entsql.EQ("status", string(from)),
	)))
	if err != nil {
		return nil, fmt.Errorf("updating application status: %w", err)
	}
	if n == 0 {
		return nil, NotFoundf(CodeNotFoundOrNotPending, "application %s not found or not %s", id, from)
	}
	return before, nil
}

// --- payments ---

func (r *repo) InsertPayment(ctx context.Context, p *Payment) error {
	stamp(&p.ID, &p.CreatedAt)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := r.exec(ctx, r.builder().Insert("payments").
		Columns(paymentColumns...).
		Values(
			p.ID, p.OrganizationID, p.PropertyID, p.LeaseID, p.TenantID, p.AmountCents,
			p.Currency, p.PaymentDate.UTC(), string(p.Method), string(p.Status), nullString(p.TransactionID),
			p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
		))
	if violatesUnique(err, indexTransactionID) {
		return Conflictf(CodeDuplicateTransaction, "transaction %s already recorded", derefOr(p.TransactionID, ""))
	}
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func scanPayment(s scanner) (*Payment, error) {
	var (
		p   Payment
		txn sql.NullString
	)
	err := s.Scan(
		&p.ID, &p.OrganizationID, &p.PropertyID, &p.LeaseID, &p.TenantID, &p.AmountCents,
		&p.Currency, &p.PaymentDate, &p.Method, &p.Status, &txn, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.TransactionID = stringPtr(txn)
	p.PaymentDate = p.PaymentDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (r *repo) getPayment(ctx context.Context, pred *entsql.Predicate) (*Payment, error) {
	b := r.builder()
	rows, err := r.query(ctx, b.Select(paymentColumns...).From(b.Table("payments")).Where(pred))
	if err != nil {
		return nil, fmt.Errorf("querying payment: %w", err)
	}
	p, err := first(rows, scanPayment)
	if err != nil {
		return nil, fmt.Errorf("scanning payment: %w", err)
	}
	return p, nil
}

func (r *repo) GetPayment(ctx context.Context, orgID, id string) (*Payment, error) {
	p, err := r.getPayment(ctx, entsql.And(entsql.EQ("id", id), entsql.EQ("organization_id", orgID)))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NotFoundf(CodeNotFound, "payment %s not found", id)
	}
	return p, nil
}

func (r *repo) FindPaymentForEvent(ctx context.Context, id string) (*Payment, error) {
	p, err := r.getPayment(ctx, entsql.EQ("id", id))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NotFoundf(CodeUnknownPayment, "payment %s not found", id)
	}
	return p, nil
}

func (r *repo) FindPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	p, err := r.getPayment(ctx, entsql.EQ("transaction_id", transactionID))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NotFoundf(CodeNotFound, "transaction %s not found", transactionID)
	}
	return p, nil
}

func (r *repo) CompletePayment(ctx context.Context, orgID, id, transactionID string, at time.Time) (bool, error) {
	n, err := r.exec(ctx, r.builder().Update("payments").
		Set("status", string(PaymentCompleted)).
		Set("transaction_id", transactionID).
		Set("updated_at", at.UTC()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("organization_id", orgID),
			entsql.EQ("status", string(PaymentPending)),
		)))
	if violatesUnique(err, indexTransactionID) {
		return false, Conflictf(CodeDuplicateTransaction, "transaction %s already recorded", transactionID)
	}
	if err != nil {
		return false, fmt.Errorf("completing payment: %w", err)
	}
	return n > 0, nil
}

func (r *repo) ListCompletedPayments(ctx context.Context, orgID string, leaseIDs []string) ([]Payment, error) {
	if len(leaseIDs) == 0 {
		return nil, nil
	}
	ids := make([]any, len(leaseIDs))
	for i, id := range leaseIDs {
		ids[i] = id
	}
	b := r.builder()
	rows, err := r.query(ctx, b.Select(paymentColumns...).From(b.Table("payments")).
		Where(entsql.And(
			entsql.EQ("organization_id", orgID),
			entsql.EQ("status", string(PaymentCompleted)),
			entsql.In("lease_id", ids...),
		)).
		OrderBy("payment_date", "id"))
	if err != nil {
		return nil, fmt.Errorf("querying payments: %w", err)
	}
	return collect(rows, scanPayment)
}
