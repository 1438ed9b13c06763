// README: Delivery store backed by PostgreSQL. Rows read inside a transaction are locked FOR UPDATE.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmdrop/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

const orderColumns = `
	id, consumer_id, status, status_version, delivery_fee_cents, currency, delivery_date,
	address_line1, address_line2, address_city, address_region, address_zip,
	payment_ref, box_code, batch_id, created_at, confirmed_at, delivered_at, cancelled_at, cancel_reason`

func (t *pgTx) CreateOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		string(o.ID), string(o.ConsumerID), string(o.Status), o.StatusVersion,
		o.DeliveryFee.Amount, o.DeliveryFee.Currency, o.DeliveryDate,
		o.Address.Line1, o.Address.Line2, o.Address.City, o.Address.Region, o.Address.Zip,
		o.PaymentRef, o.BoxCode, idPtr(o.BatchID), o.CreatedAt,
		o.ConfirmedAt, o.DeliveredAt, o.CancelledAt, o.CancelReason,
	)
	if err != nil {
		return mapPGError(err, "order")
	}
	for i, li := range o.Items {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, farmer_id, quantity, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			string(o.ID), i, string(li.ProductID), string(li.FarmerID), li.Quantity, li.UnitPrice.Amount,
		)
		if err != nil {
			return mapPGError(err, "order item")
		}
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id types.ID) (*Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := t.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *pgTx) FindOrderByBoxCode(ctx context.Context, batchID types.ID, boxCode string) (*Order, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE batch_id = $1 AND box_code = $2
		FOR UPDATE`, string(batchID), boxCode)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: box code %s", ErrNotFound, boxCode)
	}
	if err != nil {
		return nil, err
	}
	if err := t.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *pgTx) loadItems(ctx context.Context, o *Order) error {
	rows, err := t.tx.Query(ctx, `
		SELECT product_id, farmer_id, quantity, unit_price_cents
		FROM order_items WHERE order_id = $1 ORDER BY line_no`, string(o.ID))
	if err != nil {
		return err
	}
	defer rows.Close()
	o.Items = nil
	for rows.Next() {
		var li LineItem
		var product, farmer string
		if err := rows.Scan(&product, &farmer, &li.Quantity, &li.UnitPrice.Amount); err != nil {
			return err
		}
		li.ProductID = types.ID(product)
		li.FarmerID = types.ID(farmer)
		li.UnitPrice.Currency = o.DeliveryFee.Currency
		o.Items = append(o.Items, li)
	}
	return rows.Err()
}

// UpdateOrder is the optimistic write: it only lands if status_version is unchanged.
func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET status = $1,
			status_version = status_version + 1,
			box_code = $2,
			batch_id = $3,
			confirmed_at = $4,
			delivered_at = $5,
			cancelled_at = $6,
			cancel_reason = $7
		WHERE id = $8 AND status_version = $9`,
		string(o.Status), o.BoxCode, idPtr(o.BatchID),
		o.ConfirmedAt, o.DeliveredAt, o.CancelledAt, o.CancelReason,
		string(o.ID), o.StatusVersion,
	)
	if err != nil {
		return mapPGError(err, "order")
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}
	o.StatusVersion++
	return nil
}

const batchColumns = `
	id, number, delivery_date, driver_id, status, status_version,
	collection_point_id, collection_point_name, lead_farmer_id, created_at, started_at, completed_at`

func (t *pgTx) CreateBatch(ctx context.Context, b *Batch) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO delivery_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(b.ID), b.Number, b.DeliveryDate, idPtr(b.DriverID), string(b.Status), b.StatusVersion,
		string(b.CollectionPoint.ID), b.CollectionPoint.Name, string(b.CollectionPoint.LeadFarmerID),
		b.CreatedAt, b.StartedAt, b.CompletedAt,
	)
	return mapPGError(err, "batch")
}

func (t *pgTx) GetBatch(ctx context.Context, id types.ID) (*Batch, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM delivery_batches WHERE id = $1 FOR UPDATE`, string(id))
	var b Batch
	var bid, status, cpID, leadID string
	var driverID *string
	err := row.Scan(
		&bid, &b.Number, &b.DeliveryDate, &driverID, &status, &b.StatusVersion,
		&cpID, &b.CollectionPoint.Name, &leadID, &b.CreatedAt, &b.StartedAt, &b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	b.ID = types.ID(bid)
	b.Status = BatchStatus(status)
	b.DriverID = toID(driverID)
	b.CollectionPoint.ID = types.ID(cpID)
	b.CollectionPoint.LeadFarmerID = types.ID(leadID)
	return &b, nil
}

func (t *pgTx) UpdateBatch(ctx context.Context, b *Batch) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE delivery_batches
		SET driver_id = $1,
			status = $2,
			status_version = status_version + 1,
			started_at = $3,
			completed_at = $4
		WHERE id = $5 AND status_version = $6`,
		idPtr(b.DriverID), string(b.Status), b.StartedAt, b.CompletedAt, string(b.ID), b.StatusVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: batch %s", ErrConflict, b.ID)
	}
	b.StatusVersion++
	return nil
}

const stopColumns = `id, batch_id, sequence, order_id, status, zip, address_visible_at, delivered_at`

func (t *pgTx) CreateStop(ctx context.Context, s *Stop) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stops (`+stopColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(s.ID), string(s.BatchID), s.Sequence, string(s.OrderID), string(s.Status), s.Zip,
		s.AddressVisibleAt, s.DeliveredAt,
	)
	return mapPGError(err, "stop")
}

func (t *pgTx) GetStop(ctx context.Context, id types.ID) (*Stop, error) {
	return t.oneStop(ctx, `SELECT `+stopColumns+` FROM stops WHERE id = $1 FOR UPDATE`, string(id))
}

func (t *pgTx) GetStopByOrder(ctx context.Context, orderID types.ID) (*Stop, error) {
	return t.oneStop(ctx, `SELECT `+stopColumns+` FROM stops WHERE order_id = $1 FOR UPDATE`, string(orderID))
}

func (t *pgTx) oneStop(ctx context.Context, query string, arg string) (*Stop, error) {
	rows, err := t.tx.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	stops, err := pgx.CollectRows(rows, scanStop)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("%w: stop %s", ErrNotFound, arg)
	}
	return &stops[0], nil
}

func (t *pgTx) ListStops(ctx context.Context, batchID types.ID) ([]Stop, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+stopColumns+` FROM stops
		WHERE batch_id = $1
		ORDER BY sequence
		FOR UPDATE`, string(batchID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanStop)
}

// UpdateStop never moves a stop or clears its address gate; COALESCE keeps the first
// visibility timestamp.
func (t *pgTx) UpdateStop(ctx context.Context, s *Stop) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stops
		SET status = $1,
			address_visible_at = COALESCE(address_visible_at, $2),
			delivered_at = $3
		WHERE id = $4 AND batch_id = $5 AND sequence = $6 AND order_id = $7`,
		string(s.Status), s.AddressVisibleAt, s.DeliveredAt,
		string(s.ID), string(s.BatchID), s.Sequence, string(s.OrderID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: stop %s identity is immutable", ErrValidation, s.ID)
	}
	return nil
}

const scanColumns = `id, batch_id, stop_id, order_id, actor_id, box_code, type, created_at`

func (t *pgTx) AppendScan(ctx context.Context, e *ScanEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO scan_events (`+scanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.ID), string(e.BatchID), idPtr(e.StopID), string(e.OrderID), string(e.ActorID),
		e.BoxCode, string(e.Type), e.CreatedAt,
	)
	return mapPGError(err, "scan event")
}

func (t *pgTx) FirstScan(ctx context.Context, orderID types.ID, st ScanType) (*ScanEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+scanColumns+` FROM scan_events
		WHERE order_id = $1 AND type = $2
		ORDER BY seq
		LIMIT 1`, string(orderID), string(st))
	if err != nil {
		return nil, err
	}
	events, err := pgx.CollectRows(rows, scanScanEvent)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (t *pgTx) ListScans(ctx context.Context, batchID types.ID) ([]ScanEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+scanColumns+` FROM scan_events
		WHERE batch_id = $1
		ORDER BY seq`, string(batchID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanScanEvent)
}

func (t *pgTx) HasFees(ctx context.Context, orderID types.ID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM transaction_fees WHERE order_id = $1)`, string(orderID),
	).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertFees(ctx context.Context, fees []TransactionFee) error {
	batch := &pgx.Batch{}
	for _, f := range fees {
		batch.Queue(`
			INSERT INTO transaction_fees (id, order_id, farmer_id, category, amount_cents, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(f.ID), string(f.OrderID), string(f.FarmerID), string(f.Category),
			f.Amount.Amount, f.Amount.Currency, f.CreatedAt,
		)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range fees {
		if _, err := results.Exec(); err != nil {
			return mapPGError(err, "transaction fee")
		}
	}
	return nil
}

func (t *pgTx) ListFees(ctx context.Context, orderID types.ID) ([]TransactionFee, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, farmer_id, category, amount_cents, currency, created_at
		FROM transaction_fees
		WHERE order_id = $1
		ORDER BY farmer_id, category`, string(orderID))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TransactionFee, error) {
		var f TransactionFee
		var id, oid, fid, cat string
		err := row.Scan(&id, &oid, &fid, &cat, &f.Amount.Amount, &f.Amount.Currency, &f.CreatedAt)
		f.ID, f.OrderID, f.FarmerID, f.Category = types.ID(id), types.ID(oid), types.ID(fid), FeeCategory(cat)
		return f, err
	})
}

const payoutColumns = `
	id, recipient_id, recipient_type, order_id, batch_id, amount_cents, currency, status,
	failure_reason, transfer_ref, attempts, created_at, completed_at, failed_at`

func (t *pgTx) InsertPayout(ctx context.Context, p *Payout) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(p.ID), string(p.RecipientID), string(p.RecipientType), idPtr(p.OrderID), idPtr(p.BatchID),
		p.Amount.Amount, p.Amount.Currency, string(p.Status),
		p.FailureReason, p.TransferRef, p.Attempts, p.CreatedAt, p.CompletedAt, p.FailedAt,
	)
	return mapPGError(err, "payout")
}

func (t *pgTx) GetPayout(ctx context.Context, id types.ID) (*Payout, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, string(id))
	if err != nil {
		return nil, err
	}
	payouts, err := pgx.CollectRows(rows, scanPayout)
	if err != nil {
		return nil, err
	}
	if len(payouts) == 0 {
		return nil, fmt.Errorf("%w: payout %s", ErrNotFound, id)
	}
	return &payouts[0], nil
}

// UpdatePayout leaves amount_cents untouched; the amount of a payout never changes.
func (t *pgTx) UpdatePayout(ctx context.Context, p *Payout, from PayoutStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payouts
		SET status = $1,
			failure_reason = $2,
			transfer_ref = $3,
			attempts = $4,
			completed_at = $5,
			failed_at = $6
		WHERE id = $7 AND status = $8`,
		string(p.Status), p.FailureReason, p.TransferRef, p.Attempts, p.CompletedAt, p.FailedAt,
		string(p.ID), string(from),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: payout %s", ErrConflict, p.ID)
	}
	return nil
}

func (t *pgTx) FindDriverPayout(ctx context.Context, batchID types.ID) (*Payout, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE batch_id = $1 AND recipient_type = $2`, string(batchID), string(RecipientDriver))
	if err != nil {
		return nil, err
	}
	payouts, err := pgx.CollectRows(rows, scanPayout)
	if err != nil || len(payouts) == 0 {
		return nil, err
	}
	return &payouts[0], nil
}

func (t *pgTx) ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR order_id = $2)
		  AND ($3 = '' OR batch_id = $3)
		ORDER BY created_at, id
		LIMIT $4`,
		string(f.Status), string(f.OrderID), string(f.BatchID), limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanPayout)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var id, consumer, status string
	var batchID *string
	err := row.Scan(
		&id, &consumer, &status, &o.StatusVersion, &o.DeliveryFee.Amount, &o.DeliveryFee.Currency, &o.DeliveryDate,
		&o.Address.Line1, &o.Address.Line2, &o.Address.City, &o.Address.Region, &o.Address.Zip,
		&o.PaymentRef, &o.BoxCode, &batchID, &o.CreatedAt, &o.ConfirmedAt, &o.DeliveredAt, &o.CancelledAt, &o.CancelReason,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.ConsumerID = types.ID(consumer)
	o.Status = OrderStatus(status)
	o.BatchID = toID(batchID)
	return &o, nil
}

func scanStop(row pgx.CollectableRow) (Stop, error) {
	var s Stop
	var id, batchID, orderID, status string
	err := row.Scan(&id, &batchID, &s.Sequence, &orderID, &status, &s.Zip, &s.AddressVisibleAt, &s.DeliveredAt)
	s.ID, s.BatchID, s.OrderID, s.Status = types.ID(id), types.ID(batchID), types.ID(orderID), StopStatus(status)
	return s, err
}

func scanScanEvent(row pgx.CollectableRow) (ScanEvent, error) {
	var e ScanEvent
	var id, batchID, orderID, actorID, typ string
	var stopID *string
	err := row.Scan(&id, &batchID, &stopID, &orderID, &actorID, &e.BoxCode, &typ, &e.CreatedAt)
	e.ID, e.BatchID, e.OrderID, e.ActorID, e.Type = types.ID(id), types.ID(batchID), types.ID(orderID), types.ID(actorID), ScanType(typ)
	e.StopID = toID(stopID)
	return e, err
}

func scanPayout(row pgx.CollectableRow) (Payout, error) {
	var p Payout
	var id, recipient, rtype, status string
	var orderID, batchID *string
	err := row.Scan(
		&id, &recipient, &rtype, &orderID, &batchID, &p.Amount.Amount, &p.Amount.Currency, &status,
		&p.FailureReason, &p.TransferRef, &p.Attempts, &p.CreatedAt, &p.CompletedAt, &p.FailedAt,
	)
	p.ID, p.RecipientID = types.ID(id), types.ID(recipient)
	p.RecipientType, p.Status = RecipientType(rtype), PayoutStatus(status)
	p.OrderID, p.BatchID = toID(orderID), toID(batchID)
	return p, err
}

// mapPGError turns constraint violations into the package's sentinel errors.
func mapPGError(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s violates %s", ErrValidation, what, pgErr.ConstraintName)
		case "23503", "23514":
			return fmt.Errorf("%w: %s: %s", ErrValidation, what, pgErr.Message)
		}
	}
	return err
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toID(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

var _ Tx = (*pgTx)(nil)
var _ Store = (*PGStore)(nil)
var _ Store = (*MemoryStore)(nil)
