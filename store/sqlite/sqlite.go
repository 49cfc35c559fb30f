/*
Package sqlite provides a SQLite-backed implementation of affiliate.Store.

PURPOSE:
  Production persistence for the affiliate engine. Uniqueness rules that
  the engine relies on for correctness are unique indexes here, so they
  hold even across processes sharing one database file.

KEY TABLES:
  affiliates:         Partners (unique email, unique referral code)
  links:              Tracked links with monotonic counters
  clicks:             Append-only tracked visits
  conversions:        One row per order id (idx_conversions_order)
  settlements:        One non-voided row per affiliate+period (idx_settlements_active)
  settlement_claims:  conversion_id PRIMARY KEY: a conversion sits in at
                      most one non-voided settlement
  applications:       Onboarding requests, kept after review
  audit_log:          Append-only who-did-what-when

ERROR MAPPING:
  UNIQUE on conversions.order_id  -> affiliate.ErrDuplicateOrder
  any other UNIQUE/PRIMARY KEY    -> affiliate.ErrDuplicateKey
  CAS update touching no row      -> affiliate.ErrConcurrentModification

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in SQL
  orders the same way as time comparison.

WAL MODE:
  File databases are opened with WAL, a busy timeout and immediate
  transactions so concurrent writers queue instead of failing. ":memory:"
  is limited to one connection since every connection would otherwise get
  its own empty database.

MIGRATION:
  Versioned migrations are embedded from migrations/ and applied with
  golang-migrate on New().

SEE ALSO:
  - affiliate/store.go: Interface definitions
  - affiliate/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/affiliate-engine/affiliate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements affiliate.Store using SQLite.
type Store struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

var _ affiliate.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, q: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	// m.Close would close db as well, so it is not called.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	zap.L().Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls on the
// transactional store join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(affiliate.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// atomic runs fn in the current transaction, or a new one.
func (s *Store) atomic(ctx context.Context, fn func(*Store) error) error {
	return s.WithTx(ctx, func(st affiliate.Store) error {
		return fn(st.(*Store))
	})
}

// =============================================================================
// AFFILIATES
// =============================================================================

const affiliateColumns = `id, email, display_name, website, referral_code, tier, status,
	currency, password_hash, application_id, created_at, updated_at`

func (s *Store) CreateAffiliate(ctx context.Context, a affiliate.Affiliate) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO affiliates (`+affiliateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.DisplayName, a.Website, a.ReferralCode, a.Tier, a.Status,
		a.Currency, a.PasswordHash, a.ApplicationID, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return writeErr("create affiliate", err)
}

func (s *Store) UpdateAffiliate(ctx context.Context, a affiliate.Affiliate) error {
	res, err := s.q.ExecContext(ctx, `UPDATE affiliates SET email = ?, display_name = ?, website = ?,
		referral_code = ?, tier = ?, status = ?, currency = ?, password_hash = ?, updated_at = ?
		WHERE id = ?`,
		a.Email, a.DisplayName, a.Website, a.ReferralCode, a.Tier, a.Status, a.Currency,
		a.PasswordHash, formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return writeErr("update affiliate", err)
	}
	return requireRow(res, "affiliate", a.ID)
}

func (s *Store) GetAffiliate(ctx context.Context, id string) (*affiliate.Affiliate, error) {
	return s.getAffiliate(ctx, "id = ?", id)
}

func (s *Store) GetAffiliateByCode(ctx context.Context, code string) (*affiliate.Affiliate, error) {
	return s.getAffiliate(ctx, "referral_code = ?", code)
}

func (s *Store) GetAffiliateByEmail(ctx context.Context, email string) (*affiliate.Affiliate, error) {
	return s.getAffiliate(ctx, "email = ?", email)
}

func (s *Store) getAffiliate(ctx context.Context, where string, arg any) (*affiliate.Affiliate, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE `+where, arg)
	a, err := scanAffiliate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get affiliate: %w", err)
	}
	return &a, nil
}

func (s *Store) ListAffiliates(ctx context.Context) ([]affiliate.Affiliate, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+affiliateColumns+` FROM affiliates ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list affiliates: %w", err)
	}
	defer rows.Close()

	var out []affiliate.Affiliate
	for rows.Next() {
		a, err := scanAffiliate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAffiliate(r scanner) (affiliate.Affiliate, error) {
	var a affiliate.Affiliate
	var created, updated string
	err := r.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Website, &a.ReferralCode, &a.Tier, &a.Status,
		&a.Currency, &a.PasswordHash, &a.ApplicationID, &created, &updated)
	if err != nil {
		return a, err
	}
	a.CreatedAt, a.UpdatedAt = parseTime(created), parseTime(updated)
	return a, nil
}

// =============================================================================
// LINKS
// =============================================================================

const linkColumns = `id, affiliate_id, code, name, target_url, utm_source, utm_medium, utm_campaign,
	clicks, conversions, created_at`

func (s *Store) CreateLink(ctx context.Context, l affiliate.Link) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AffiliateID, l.Code, l.Name, l.TargetURL, l.UTM.Source, l.UTM.Medium, l.UTM.Campaign,
		l.Clicks, l.Conversions, formatTime(l.CreatedAt))
	return writeErr("create link", err)
}

func (s *Store) GetLink(ctx context.Context, id string) (*affiliate.Link, error) {
	return s.getLink(ctx, "id = ?", id)
}

func (s *Store) GetLinkByCode(ctx context.Context, code string) (*affiliate.Link, error) {
	return s.getLink(ctx, "code = ?", code)
}

func (s *Store) getLink(ctx context.Context, where string, arg any) (*affiliate.Link, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE `+where, arg)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return &l, nil
}

func (s *Store) ListLinks(ctx context.Context, affiliateID string) ([]affiliate.Link, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+linkColumns+` FROM links
		WHERE affiliate_id = ? ORDER BY created_at, id`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var out []affiliate.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) IncrementLinkClicks(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE links SET clicks = clicks + 1 WHERE id = ?`, id)
	if err != nil {
		return writeErr("increment link clicks", err)
	}
	return requireRow(res, "link", id)
}

func (s *Store) IncrementLinkConversions(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE links SET conversions = conversions + 1 WHERE id = ?`, id)
	if err != nil {
		return writeErr("increment link conversions", err)
	}
	return requireRow(res, "link", id)
}

func scanLink(r scanner) (affiliate.Link, error) {
	var l affiliate.Link
	var created string
	err := r.Scan(&l.ID, &l.AffiliateID, &l.Code, &l.Name, &l.TargetURL,
		&l.UTM.Source, &l.UTM.Medium, &l.UTM.Campaign, &l.Clicks, &l.Conversions, &created)
	if err != nil {
		return l, err
	}
	l.CreatedAt = parseTime(created)
	return l, nil
}

// =============================================================================
// CLICKS - Append-only
// =============================================================================

const clickColumns = `id, affiliate_id, link_id, code, utm_source, utm_medium, utm_campaign,
	referrer, user_agent, ip, landing_url, created_at, expires_at`

func (s *Store) AppendClick(ctx context.Context, c affiliate.Click) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO clicks (`+clickColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AffiliateID, c.LinkID, c.Code, c.UTM.Source, c.UTM.Medium, c.UTM.Campaign,
		c.Metadata.Referrer, c.Metadata.UserAgent, c.Metadata.IP, c.Metadata.LandingURL,
		formatTime(c.CreatedAt), formatTime(c.ExpiresAt))
	return writeErr("append click", err)
}

func (s *Store) GetClick(ctx context.Context, id string) (*affiliate.Click, error) {
	return s.getClick(ctx, `SELECT `+clickColumns+` FROM clicks WHERE id = ?`, id)
}

func (s *Store) LatestClick(ctx context.Context, affiliateID string, at time.Time) (*affiliate.Click, error) {
	return s.getClick(ctx, `SELECT `+clickColumns+` FROM clicks
		WHERE affiliate_id = ? AND created_at <= ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, affiliateID, formatTime(at))
}

func (s *Store) getClick(ctx context.Context, query string, args ...any) (*affiliate.Click, error) {
	c, err := scanClick(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get click: %w", err)
	}
	return &c, nil
}

func (s *Store) ListClicks(ctx context.Context, from, to time.Time) ([]affiliate.Click, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+clickColumns+` FROM clicks
		WHERE created_at >= ? AND created_at < ? ORDER BY created_at, rowid`,
		formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list clicks: %w", err)
	}
	defer rows.Close()

	var out []affiliate.Click
	for rows.Next() {
		c, err := scanClick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClick(r scanner) (affiliate.Click, error) {
	var c affiliate.Click
	var created, expires string
	err := r.Scan(&c.ID, &c.AffiliateID, &c.LinkID, &c.Code, &c.UTM.Source, &c.UTM.Medium, &c.UTM.Campaign,
		&c.Metadata.Referrer, &c.Metadata.UserAgent, &c.Metadata.IP, &c.Metadata.LandingURL,
		&created, &expires)
	if err != nil {
		return c, err
	}
	c.CreatedAt, c.ExpiresAt = parseTime(created), parseTime(expires)
	return c, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const conversionColumns = `id, affiliate_id, order_id, order_value, commission, tier, rate, currency,
	status, click_id, items_json, void_reason, occurred_at, confirmed_at, voided_at, created_at`

func (s *Store) AppendConversion(ctx context.Context, c affiliate.Conversion) error {
	items := c.Items
	if items == nil {
		items = []affiliate.LineItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode line items: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO conversions (`+conversionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AffiliateID, c.OrderID, c.OrderValue, c.Commission, c.Tier, c.Rate, c.Currency,
		c.Status, c.ClickID, string(itemsJSON), c.VoidReason, formatTime(c.OccurredAt),
		nullTime(c.ConfirmedAt), nullTime(c.VoidedAt), formatTime(c.CreatedAt))
	if err != nil && isUniqueConstraintError(err) && strings.Contains(err.Error(), "conversions.order_id") {
		return affiliate.ErrDuplicateOrder
	}
	return writeErr("append conversion", err)
}

func (s *Store) GetConversion(ctx context.Context, id string) (*affiliate.Conversion, error) {
	return s.getConversion(ctx, "id = ?", id)
}

func (s *Store) GetConversionByOrder(ctx context.Context, orderID string) (*affiliate.Conversion, error) {
	return s.getConversion(ctx, "order_id = ?", orderID)
}

func (s *Store) getConversion(ctx context.Context, where string, arg any) (*affiliate.Conversion, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE `+where, arg)
	c, err := scanConversion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateConversionStatus(ctx context.Context, id string, from, to affiliate.ConversionStatus, at time.Time, reason string) error {
	query := `UPDATE conversions SET status = ? WHERE id = ? AND status = ?`
	args := []any{to, id, from}
	switch to {
	case affiliate.ConversionConfirmed:
		query = `UPDATE conversions SET status = ?, confirmed_at = ? WHERE id = ? AND status = ?`
		args = []any{to, formatTime(at), id, from}
	case affiliate.ConversionVoided:
		query = `UPDATE conversions SET status = ?, voided_at = ?, void_reason = ? WHERE id = ? AND status = ?`
		args = []any{to, formatTime(at), reason, id, from}
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return writeErr("update conversion status", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	existing, err := s.GetConversion(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return &affiliate.NotFoundError{Kind: "conversion", ID: id}
	}
	return affiliate.ErrConcurrentModification
}

func (s *Store) ListConversions(ctx context.Context, f affiliate.ConversionFilter) ([]affiliate.Conversion, error) {
	var where []string
	var args []any
	if f.AffiliateID != "" {
		where = append(where, "affiliate_id = ?")
		args = append(args, f.AffiliateID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, formatTime(f.To))
	}
	if f.Unsettled {
		where = append(where, "id NOT IN (SELECT conversion_id FROM settlement_claims)")
	}

	query := `SELECT ` + conversionColumns + ` FROM conversions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, rowid"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var out []affiliate.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConversion(r scanner) (affiliate.Conversion, error) {
	var c affiliate.Conversion
	var itemsJSON, occurred, created string
	var confirmed, voided sql.NullString
	err := r.Scan(&c.ID, &c.AffiliateID, &c.OrderID, &c.OrderValue, &c.Commission, &c.Tier, &c.Rate,
		&c.Currency, &c.Status, &c.ClickID, &itemsJSON, &c.VoidReason, &occurred, &confirmed, &voided, &created)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &c.Items); err != nil {
		return c, fmt.Errorf("failed to decode line items of %s: %w", c.ID, err)
	}
	if len(c.Items) == 0 {
		c.Items = nil
	}
	c.OccurredAt, c.CreatedAt = parseTime(occurred), parseTime(created)
	c.ConfirmedAt, c.VoidedAt = parseNullTime(confirmed), parseNullTime(voided)
	return c, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

const settlementColumns = `id, affiliate_id, period_id, amount, currency, status, conversion_ids_json,
	payment_method, payment_reference, void_reason, settled_at, created_at, updated_at`

func (s *Store) CreateSettlement(ctx context.Context, st affiliate.Settlement) error {
	return s.atomic(ctx, func(tx *Store) error {
		ids, err := encodeIDs(st.ConversionIDs)
		if err != nil {
			return err
		}
		_, err = tx.q.ExecContext(ctx, `INSERT INTO settlements (`+settlementColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.AffiliateID, st.PeriodID, st.Amount, st.Currency, st.Status, ids,
			st.PaymentMethod, st.PaymentReference, st.VoidReason, nullTime(st.SettledAt),
			formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
		if err != nil {
			return writeErr("create settlement", err)
		}
		return tx.claim(ctx, st)
	})
}

func (s *Store) UpdateSettlement(ctx context.Context, st affiliate.Settlement) error {
	return s.atomic(ctx, func(tx *Store) error {
		ids, err := encodeIDs(st.ConversionIDs)
		if err != nil {
			return err
		}
		res, err := tx.q.ExecContext(ctx, `UPDATE settlements SET amount = ?, currency = ?, status = ?,
			conversion_ids_json = ?, payment_method = ?, payment_reference = ?, void_reason = ?,
			settled_at = ?, updated_at = ? WHERE id = ?`,
			st.Amount, st.Currency, st.Status, ids, st.PaymentMethod, st.PaymentReference,
			st.VoidReason, nullTime(st.SettledAt), formatTime(st.UpdatedAt), st.ID)
		if err != nil {
			return writeErr("update settlement", err)
		}
		if err := requireRow(res, "settlement", st.ID); err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM settlement_claims WHERE settlement_id = ?`, st.ID); err != nil {
			return writeErr("release settlement claims", err)
		}
		return tx.claim(ctx, st)
	})
}

// claim records st as the holder of its conversions unless it is voided.
func (s *Store) claim(ctx context.Context, st affiliate.Settlement) error {
	if st.Status == affiliate.SettlementVoided {
		return nil
	}
	for _, cid := range st.ConversionIDs {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO settlement_claims (conversion_id, settlement_id) VALUES (?, ?)`, cid, st.ID)
		if err != nil {
			return writeErr("claim conversion", err)
		}
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (*affiliate.Settlement, error) {
	return s.getSettlement(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, id)
}

func (s *Store) ActiveSettlement(ctx context.Context, affiliateID, periodID string) (*affiliate.Settlement, error) {
	return s.getSettlement(ctx, `SELECT `+settlementColumns+` FROM settlements
		WHERE affiliate_id = ? AND period_id = ? AND status <> ?`,
		affiliateID, periodID, affiliate.SettlementVoided)
}

func (s *Store) SettlementForConversion(ctx context.Context, conversionID string) (*affiliate.Settlement, error) {
	return s.getSettlement(ctx, `SELECT `+settlementColumns+` FROM settlements
		WHERE id = (SELECT settlement_id FROM settlement_claims WHERE conversion_id = ?)`, conversionID)
}

func (s *Store) getSettlement(ctx context.Context, query string, args ...any) (*affiliate.Settlement, error) {
	st, err := scanSettlement(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &st, nil
}

func (s *Store) ListSettlements(ctx context.Context, f affiliate.SettlementFilter) ([]affiliate.Settlement, error) {
	var where []string
	var args []any
	if f.AffiliateID != "" {
		where = append(where, "affiliate_id = ?")
		args = append(args, f.AffiliateID)
	}
	if f.PeriodID != "" {
		where = append(where, "period_id = ?")
		args = append(args, f.PeriodID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period_id DESC, created_at DESC, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var out []affiliate.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanSettlement(r scanner) (affiliate.Settlement, error) {
	var st affiliate.Settlement
	var idsJSON, created, updated string
	var settled sql.NullString
	err := r.Scan(&st.ID, &st.AffiliateID, &st.PeriodID, &st.Amount, &st.Currency, &st.Status, &idsJSON,
		&st.PaymentMethod, &st.PaymentReference, &st.VoidReason, &settled, &created, &updated)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &st.ConversionIDs); err != nil {
		return st, fmt.Errorf("failed to decode conversion ids of %s: %w", st.ID, err)
	}
	st.SettledAt = parseNullTime(settled)
	st.CreatedAt, st.UpdatedAt = parseTime(created), parseTime(updated)
	return st, nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode conversion ids: %w", err)
	}
	return string(raw), nil
}

// =============================================================================
// APPLICATIONS
// =============================================================================

const applicationColumns = `id, email, display_name, website, password_hash, status, reviewer_id,
	reviewed_at, rejection_reason, affiliate_id, created_at`

func (s *Store) CreateApplication(ctx context.Context, a affiliate.Application) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO applications (`+applicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.DisplayName, a.Website, a.PasswordHash, a.Status, a.ReviewerID,
		nullTime(a.ReviewedAt), a.RejectionReason, a.AffiliateID, formatTime(a.CreatedAt))
	return writeErr("create application", err)
}

func (s *Store) GetApplication(ctx context.Context, id string) (*affiliate.Application, error) {
	return s.getApplication(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = ?`, id)
}

func (s *Store) PendingApplicationByEmail(ctx context.Context, email string) (*affiliate.Application, error) {
	return s.getApplication(ctx, `SELECT `+applicationColumns+` FROM applications
		WHERE email = ? AND status = ? ORDER BY created_at LIMIT 1`, email, affiliate.ApplicationPending)
}

func (s *Store) getApplication(ctx context.Context, query string, args ...any) (*affiliate.Application, error) {
	a, err := scanApplication(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return &a, nil
}

func (s *Store) UpdateApplication(ctx context.Context, a affiliate.Application, expected affiliate.ApplicationStatus) error {
	res, err := s.q.ExecContext(ctx, `UPDATE applications SET status = ?, reviewer_id = ?, reviewed_at = ?,
		rejection_reason = ?, affiliate_id = ? WHERE id = ? AND status = ?`,
		a.Status, a.ReviewerID, nullTime(a.ReviewedAt), a.RejectionReason, a.AffiliateID, a.ID, expected)
	if err != nil {
		return writeErr("update application", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	existing, err := s.GetApplication(ctx, a.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return &affiliate.NotFoundError{Kind: "application", ID: a.ID}
	}
	return affiliate.ErrConcurrentModification
}

func (s *Store) ListApplications(ctx context.Context, status affiliate.ApplicationStatus) ([]affiliate.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var out []affiliate.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApplication(r scanner) (affiliate.Application, error) {
	var a affiliate.Application
	var created string
	var reviewed sql.NullString
	err := r.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Website, &a.PasswordHash, &a.Status, &a.ReviewerID,
		&reviewed, &a.RejectionReason, &a.AffiliateID, &created)
	if err != nil {
		return a, err
	}
	a.ReviewedAt = parseNullTime(reviewed)
	a.CreatedAt = parseTime(created)
	return a, nil
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e affiliate.AuditEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO audit_log
		(id, at, actor_id, action, entity_kind, entity_id, reason, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), e.ActorID, e.Action, e.EntityKind, e.EntityID, e.Reason, string(metaJSON))
	return writeErr("append audit", err)
}

func (s *Store) ListAudit(ctx context.Context, entityID string) ([]affiliate.AuditEntry, error) {
	query := `SELECT id, at, actor_id, action, entity_kind, entity_id, reason, metadata_json FROM audit_log`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY seq`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var out []affiliate.AuditEntry
	for rows.Next() {
		var e affiliate.AuditEntry
		var at, metaJSON string
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.EntityKind, &e.EntityID, &e.Reason, &metaJSON); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata of %s: %w", e.ID, err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &affiliate.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// writeErr maps constraint violations to the store sentinels.
func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return affiliate.ErrDuplicateKey
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
