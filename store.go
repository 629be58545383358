package merchsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the ledger destination: records are written to Postgres, and
// dead letters are kept alongside them.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a ledger store from an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks that the ledger is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS merch_sales (
	id             text PRIMARY KEY,
	lines          jsonb NOT NULL,
	total_cents    bigint NOT NULL,
	discount_cents bigint NOT NULL DEFAULT 0,
	payment_method text NOT NULL,
	show_id        text,
	sold_at        timestamptz NOT NULL,
	synced_at      timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS merch_products (
	id          text PRIMARY KEY,
	name        text NOT NULL,
	category    text,
	price_cents bigint NOT NULL,
	sizes       jsonb NOT NULL DEFAULT '[]',
	inventory   jsonb NOT NULL DEFAULT '{}',
	updated_at  timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS merch_settings (
	owner_id        text PRIMARY KEY,
	currency        text NOT NULL,
	tax_rate_bps    integer NOT NULL,
	categories      jsonb NOT NULL DEFAULT '[]',
	payment_methods jsonb NOT NULL DEFAULT '[]',
	updated_at      timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS merch_closeouts (
	id          text PRIMARY KEY,
	show_id     text,
	venue       text,
	sales_count integer NOT NULL,
	total_cents bigint NOT NULL,
	cash_cents  bigint NOT NULL,
	card_cents  bigint NOT NULL,
	notes       text,
	closed_at   timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS merch_email_signups (
	id          text PRIMARY KEY,
	email       text NOT NULL UNIQUE,
	name        text,
	show_id     text,
	captured_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS merch_dead_letters (
	dead_letter_id   text PRIMARY KEY,
	item_id          text NOT NULL,
	data_type        text NOT NULL,
	operation        text NOT NULL,
	original_subject text NOT NULL,
	original_payload jsonb NOT NULL,
	reason           text NOT NULL,
	reason_detail    text,
	failed_at        timestamptz NOT NULL,
	attempts         integer NOT NULL,
	max_attempts     integer NOT NULL,
	results          jsonb NOT NULL DEFAULT '[]',
	source           text NOT NULL,
	owner_id         text,
	requeued         boolean NOT NULL DEFAULT false,
	requeued_at      timestamptz
);
`

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// SyncRecord writes one record change. Creates are idempotent so a retried
// attempt never duplicates a sale.
func (s *Store) SyncRecord(ctx context.Context, dataType DataType, op Operation, payload any) (any, error) {
	var (
		n   int64
		err error
	)
	switch rec := payload.(type) {
	case Sale:
		n, err = s.writeSale(ctx, op, rec)
	case Product:
		n, err = s.upsertProduct(ctx, rec)
	case ProductRef:
		n, err = s.exec(ctx, `DELETE FROM merch_products WHERE id = $1`, rec.ID)
	case Settings:
		n, err = s.upsertSettings(ctx, rec)
	case CloseOut:
		n, err = s.upsertCloseOut(ctx, rec)
	case EmailSignup:
		n, err = s.exec(ctx, `
			INSERT INTO merch_email_signups (id, email, name, show_id, captured_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, rec.ID, rec.Email, rec.Name, rec.ShowID, rec.CapturedAt)
	default:
		return nil, fmt.Errorf("ledger: unsupported %s payload %T", dataType, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger %s %s: %w", op, dataType, err)
	}
	return map[string]any{"rows_affected": n}, nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) writeSale(ctx context.Context, op Operation, sale Sale) (int64, error) {
	if op == OperationDelete {
		return s.exec(ctx, `DELETE FROM merch_sales WHERE id = $1`, sale.ID)
	}
	lines, err := json.Marshal(sale.Lines)
	if err != nil {
		return 0, fmt.Errorf("marshal sale lines: %w", err)
	}
	conflict := `ON CONFLICT (id) DO NOTHING`
	if op == OperationUpdate {
		conflict = `ON CONFLICT (id) DO UPDATE SET
			lines = EXCLUDED.lines, total_cents = EXCLUDED.total_cents,
			discount_cents = EXCLUDED.discount_cents, payment_method = EXCLUDED.payment_method,
			synced_at = now()`
	}
	return s.exec(ctx, `
		INSERT INTO merch_sales (id, lines, total_cents, discount_cents, payment_method, show_id, sold_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`+conflict, sale.ID, lines, sale.TotalCents, sale.DiscountCents, sale.PaymentMethod, sale.ShowID, sale.SoldAt)
}

// upsertProduct only overwrites a row with an older updated_at, so replays
// of a stale edit lose to a newer one.
func (s *Store) upsertProduct(ctx context.Context, p Product) (int64, error) {
	sizes, err := json.Marshal(p.Sizes)
	if err != nil {
		sizes = []byte("[]")
	}
	inventory, err := json.Marshal(p.Inventory)
	if err != nil {
		inventory = []byte("{}")
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return s.exec(ctx, `
		INSERT INTO merch_products (id, name, category, price_cents, sizes, inventory, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category, price_cents = EXCLUDED.price_cents,
			sizes = EXCLUDED.sizes, inventory = EXCLUDED.inventory, updated_at = EXCLUDED.updated_at
		WHERE merch_products.updated_at <= EXCLUDED.updated_at
	`, p.ID, p.Name, p.Category, p.PriceCents, sizes, inventory, updated)
}

func (s *Store) upsertSettings(ctx context.Context, st Settings) (int64, error) {
	categories, err := json.Marshal(st.Categories)
	if err != nil {
		categories = []byte("[]")
	}
	methods, err := json.Marshal(st.PaymentMethods)
	if err != nil {
		methods = []byte("[]")
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return s.exec(ctx, `
		INSERT INTO merch_settings (owner_id, currency, tax_rate_bps, categories, payment_methods, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id) DO UPDATE SET
			currency = EXCLUDED.currency, tax_rate_bps = EXCLUDED.tax_rate_bps,
			categories = EXCLUDED.categories, payment_methods = EXCLUDED.payment_methods,
			updated_at = EXCLUDED.updated_at
		WHERE merch_settings.updated_at <= EXCLUDED.updated_at
	`, st.OwnerID, st.Currency, st.TaxRateBPS, categories, methods, updated)
}

func (s *Store) upsertCloseOut(ctx context.Context, c CloseOut) (int64, error) {
	return s.exec(ctx, `
		INSERT INTO merch_closeouts
			(id, show_id, venue, sales_count, total_cents, cash_cents, card_cents, notes, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			venue = EXCLUDED.venue, sales_count = EXCLUDED.sales_count,
			total_cents = EXCLUDED.total_cents, cash_cents = EXCLUDED.cash_cents,
			card_cents = EXCLUDED.card_cents, notes = EXCLUDED.notes, closed_at = EXCLUDED.closed_at
	`, c.ID, c.ShowID, c.Venue, c.SalesCount, c.TotalCents, c.CashCents, c.CardCents, c.Notes, c.ClosedAt)
}

// InsertDeadLetter writes a dead letter. Re-inserting the same id is a no-op.
func (s *Store) InsertDeadLetter(ctx context.Context, dl DeadLetter) error {
	results, err := json.Marshal(dl.Results)
	if err != nil {
		results = []byte("[]")
	}
	payload := dl.OriginalPayload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO merch_dead_letters
			(dead_letter_id, item_id, data_type, operation, original_subject, original_payload,
			 reason, reason_detail, failed_at, attempts, max_attempts, results, source, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dead_letter_id) DO NOTHING
	`,
		dl.ID, dl.ItemID, dl.DataType, dl.Operation, dl.OriginalSubject, payload,
		dl.Reason, dl.ReasonDetail, dl.FailedAt, dl.Attempts, dl.MaxAttempts, results, dl.Source, dl.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

const deadLetterColumns = `dead_letter_id, item_id, data_type, operation, original_subject, original_payload,
	       reason, reason_detail, failed_at, attempts, max_attempts, results, source, owner_id,
	       requeued, requeued_at`

// GetDeadLetter retrieves a single dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM merch_dead_letters WHERE dead_letter_id = $1`, id)
	return scanDeadLetter(row)
}

// DeadLetterListOpts filters the dead-letter list query.
type DeadLetterListOpts struct {
	Requeued *bool
	DataType DataType
	Reason   string
	Limit    int
}

// ListDeadLetters returns dead letters matching opts, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, opts DeadLetterListOpts) ([]DeadLetter, error) {
	q := `SELECT ` + deadLetterColumns + ` FROM merch_dead_letters WHERE 1=1`
	args := []any{}
	n := 1

	if opts.Requeued != nil {
		q += fmt.Sprintf(` AND requeued = $%d`, n)
		args = append(args, *opts.Requeued)
		n++
	}
	if opts.DataType != "" {
		q += fmt.Sprintf(` AND data_type = $%d`, n)
		args = append(args, opts.DataType)
		n++
	}
	if opts.Reason != "" {
		q += fmt.Sprintf(` AND reason = $%d`, n)
		args = append(args, opts.Reason)
		n++
	}

	q += ` ORDER BY failed_at DESC`

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(` LIMIT $%d`, n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// MarkRequeued flags a dead letter as sent back through ingest.
func (s *Store) MarkRequeued(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE merch_dead_letters
		SET requeued = true, requeued_at = now()
		WHERE dead_letter_id = $1 AND requeued = false
	`, id)
	if err != nil {
		return fmt.Errorf("mark requeued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s not found or already requeued", id)
	}
	return nil
}

// scanDeadLetter reads one row; pgx.Rows satisfies pgx.Row.
func scanDeadLetter(row pgx.Row) (*DeadLetter, error) {
	var (
		dl           DeadLetter
		resultsJSON  []byte
		reasonDetail *string
		ownerID      *string
		requeuedAt   *time.Time
	)
	err := row.Scan(
		&dl.ID, &dl.ItemID, &dl.DataType, &dl.Operation, &dl.OriginalSubject, &dl.OriginalPayload,
		&dl.Reason, &reasonDetail, &dl.FailedAt, &dl.Attempts, &dl.MaxAttempts, &resultsJSON, &dl.Source, &ownerID,
		&dl.Requeued, &requeuedAt,
	)
	if err != nil {
		return nil, err
	}
	if reasonDetail != nil {
		dl.ReasonDetail = *reasonDetail
	}
	if ownerID != nil {
		dl.OwnerID = *ownerID
	}
	dl.RequeuedAt = requeuedAt
	_ = json.Unmarshal(resultsJSON, &dl.Results)
	if dl.Results == nil {
		dl.Results = []DestinationResult{}
	}
	return &dl, nil
}
