// README: Dispute store backed by PostgreSQL.
package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmdrop/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const columns = `
	id, order_id, consumer_id, reporter_id, reporter_role, type, description, status, status_version,
	resolution, refund_cents, currency, refund_ref, resolver_id, created_at, acknowledged_at, resolved_at`

func (s *PGStore) Create(ctx context.Context, d *Dispute) error {
	cents, currency := refundColumns(d)
	_, err := s.db.Exec(ctx, `
		INSERT INTO disputes (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		string(d.ID), string(d.OrderID), string(d.ConsumerID), string(d.ReporterID), string(d.ReporterRole),
		string(d.Type), d.Description, string(d.Status), d.StatusVersion,
		d.Resolution, cents, currency, d.RefundRef, idString(d.ResolverID),
		d.CreatedAt, d.AcknowledgedAt, d.ResolvedAt,
	)
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Dispute, error) {
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM disputes WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, scanDispute)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &out[0], nil
}

func (s *PGStore) Update(ctx context.Context, d *Dispute) error {
	cents, currency := refundColumns(d)
	tag, err := s.db.Exec(ctx, `
		UPDATE disputes
		SET status = $1,
			status_version = status_version + 1,
			resolution = $2,
			refund_cents = $3,
			currency = $4,
			refund_ref = $5,
			resolver_id = $6,
			acknowledged_at = $7,
			resolved_at = $8
		WHERE id = $9 AND status_version = $10`,
		string(d.Status), d.Resolution, cents, currency, d.RefundRef, idString(d.ResolverID),
		d.AcknowledgedAt, d.ResolvedAt, string(d.ID), d.StatusVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: dispute %s", ErrConflict, d.ID)
	}
	d.StatusVersion++
	return nil
}

func (s *PGStore) ListByOrder(ctx context.Context, orderID types.ID) ([]Dispute, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+columns+` FROM disputes
		WHERE order_id = $1
		ORDER BY created_at`, string(orderID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanDispute)
}

func scanDispute(row pgx.CollectableRow) (Dispute, error) {
	var d Dispute
	var id, orderID, consumerID, reporterID, role, typ, status, currency string
	var cents *int64
	var resolverID *string
	err := row.Scan(
		&id, &orderID, &consumerID, &reporterID, &role, &typ, &d.Description, &status, &d.StatusVersion,
		&d.Resolution, &cents, &currency, &d.RefundRef, &resolverID, &d.CreatedAt, &d.AcknowledgedAt, &d.ResolvedAt,
	)
	if err != nil {
		return d, err
	}
	d.ID, d.OrderID, d.ConsumerID, d.ReporterID = types.ID(id), types.ID(orderID), types.ID(consumerID), types.ID(reporterID)
	d.ReporterRole, d.Type, d.Status = types.Role(role), Type(typ), Status(status)
	if cents != nil {
		d.RefundAmount = &types.Money{Amount: *cents, Currency: currency}
	}
	if resolverID != nil {
		r := types.ID(*resolverID)
		d.ResolverID = &r
	}
	return d, nil
}

func refundColumns(d *Dispute) (*int64, string) {
	if d.RefundAmount == nil {
		return nil, types.DefaultCurrency
	}
	amount := d.RefundAmount.Amount
	currency := d.RefundAmount.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	return &amount, currency
}

func idString(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
