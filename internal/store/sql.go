package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/shared"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	schema string
	// numbered placeholders ($1, $2...) instead of ?.
	numbered bool
}

// sqlStore implements Repository on database/sql. Queries are written with ?
// placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	retry   shared.RetryPolicy
}

const sessionColumns = `session_id, agent_address, website_address, amount, asset_id,
	escrow_address, status, escrow_tx_id, confirmed_round, refund_owed,
	platform_fee, website_payout, created_at, updated_at, expires_at, completed_at`

const websiteColumns = `domain, owner_address, asset_id, subname, verified,
	base_payment_amount, payment_required, supported_query_types, created_at, updated_at`

const agentColumns = `agent_id, address, metadata_hash, reputation, created_at, updated_at`

var (
	activeStatusList   = statusList(domain.StatusInitiated, domain.StatusEscrowPending, domain.StatusEscrowConfirmed)
	terminalStatusList = statusList(domain.StatusCompleted, domain.StatusCancelled, domain.StatusRefunded, domain.StatusExpired)
)

func statusList(statuses ...domain.Status) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, s.rebind(query), args...)
		return execErr
	})
	return result, err
}

// Ping verifies database connectivity.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *sqlStore) CreateSession(ctx context.Context, ps *domain.PaymentSession) error {
	query := `INSERT INTO payment_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, "create_session", query,
		ps.SessionID, ps.AgentAddress, ps.WebsiteAddress, int64(ps.Amount), int64(ps.AssetID),
		ps.EscrowAddress, string(ps.Status), nullString(ps.EscrowTxID), int64(ps.ConfirmedRound), ps.RefundOwed,
		int64(ps.PlatformFee), int64(ps.WebsitePayout), ps.CreatedAt.UnixMilli(), ps.UpdatedAt.UnixMilli(), ps.ExpiresAt.UnixMilli(), nullTime(ps.CompletedAt),
	)
	if shared.IsUniqueViolation(err) {
		return domain.ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *sqlStore) GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, s.rebind(query), sessionID)

	ps, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return ps, nil
}

// TransitionSession updates the mutable columns of a session guarded by its
// current status.
func (s *sqlStore) TransitionSession(ctx context.Context, next *domain.PaymentSession, expected domain.Status) error {
	query := `UPDATE payment_sessions
		SET status = ?, escrow_tx_id = ?, confirmed_round = ?, refund_owed = ?,
		    platform_fee = ?, website_payout = ?, updated_at = ?, completed_at = ?
		WHERE session_id = ? AND status = ?`

	result, err := s.exec(ctx, "transition_session", query,
		string(next.Status), nullString(next.EscrowTxID), int64(next.ConfirmedRound), next.RefundOwed,
		int64(next.PlatformFee), int64(next.WebsitePayout), next.UpdatedAt.UnixMilli(), nullTime(next.CompletedAt),
		next.SessionID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM payment_sessions WHERE session_id = ?`), next.SessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	slog.Debug("TransitionSession affected 0 rows", "session_id", next.SessionID, "expected_status", expected)
	return ErrStale
}

// ListExpiredSessions returns non-terminal sessions whose deadline passed.
func (s *sqlStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions
		WHERE status IN ` + activeStatusList + ` AND expires_at < ?
		ORDER BY expires_at LIMIT ?`
	return s.querySessions(ctx, "expired sessions", query, now.UnixMilli(), listLimit(limit))
}

// ListRefundsOwed returns terminal sessions that still owe a refund.
func (s *sqlStore) ListRefundsOwed(ctx context.Context, limit int) ([]*domain.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions
		WHERE status IN ` + terminalStatusList + ` AND refund_owed = ?
		ORDER BY updated_at DESC LIMIT ?`
	return s.querySessions(ctx, "refunds owed", query, true, listLimit(limit))
}

// DeleteTerminalSessions removes settled sessions older than the cutoff.
func (s *sqlStore) DeleteTerminalSessions(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM payment_sessions
		WHERE status IN ` + terminalStatusList + ` AND refund_owed = ? AND updated_at < ?`
	result, err := s.exec(ctx, "delete_terminal_sessions", query, false, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete terminal sessions: %w", err)
	}
	return result.RowsAffected()
}

func (s *sqlStore) querySessions(ctx context.Context, what, query string, args ...any) ([]*domain.PaymentSession, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "query", what, "error", closeErr)
		}
	}()

	var sessions []*domain.PaymentSession
	for rows.Next() {
		ps, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", what, err)
		}
		sessions = append(sessions, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return sessions, nil
}

// UpsertWebsite creates or updates a website record.
func (s *sqlStore) UpsertWebsite(ctx context.Context, w *domain.Website) error {
	query := `INSERT INTO websites (` + websiteColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			owner_address = excluded.owner_address,
			asset_id = excluded.asset_id,
			subname = excluded.subname,
			verified = excluded.verified,
			base_payment_amount = excluded.base_payment_amount,
			payment_required = excluded.payment_required,
			supported_query_types = excluded.supported_query_types,
			updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "upsert_website", query,
		w.Domain, w.OwnerAddress, int64(w.AssetID), w.Subname, w.Verified,
		int64(w.BasePaymentAmount), w.PaymentRequired, domain.JoinQueryTypes(w.SupportedQueryTypes),
		w.CreatedAt.UnixMilli(), w.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert website: %w", err)
	}
	return nil
}

// GetWebsite retrieves a website by domain.
func (s *sqlStore) GetWebsite(ctx context.Context, domainName string) (*domain.Website, error) {
	query := `SELECT ` + websiteColumns + ` FROM websites WHERE domain = ?`
	w, err := scanWebsite(s.db.QueryRowContext(ctx, s.rebind(query), domainName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWebsiteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan website row: %w", err)
	}
	return w, nil
}

// ListWebsites lists registered websites.
func (s *sqlStore) ListWebsites(ctx context.Context, filter WebsiteFilter) ([]*domain.Website, error) {
	query := `SELECT ` + websiteColumns + ` FROM websites WHERE 1 = 1`
	var args []any
	if filter.DomainContains != "" {
		query += ` AND domain LIKE ?`
		args = append(args, "%"+filter.DomainContains+"%")
	}
	if filter.VerifiedOnly {
		query += ` AND verified = ?`
		args = append(args, true)
	}
	query += ` ORDER BY domain LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query websites: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close website rows", "error", closeErr)
		}
	}()

	var websites []*domain.Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan website row: %w", err)
		}
		websites = append(websites, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate websites: %w", err)
	}
	return websites, nil
}

// CreateAgent inserts a new agent row.
func (s *sqlStore) CreateAgent(ctx context.Context, a *domain.Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "create_agent", query,
		a.AgentID, a.Address, a.MetadataHash, a.Reputation, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	if shared.IsUniqueViolation(err) {
		return domain.ErrAgentExists
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by id.
func (s *sqlStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = ?`
	var a domain.Agent
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(query), agentID).Scan(
		&a.AgentID, &a.Address, &a.MetadataHash, &a.Reputation, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.PaymentSession, error) {
	var ps domain.PaymentSession
	var status string
	var escrowTxID sql.NullString
	var amount, assetID, confirmedRound, platformFee, websitePayout int64
	var createdAt, updatedAt, expiresAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&ps.SessionID, &ps.AgentAddress, &ps.WebsiteAddress, &amount, &assetID,
		&ps.EscrowAddress, &status, &escrowTxID, &confirmedRound, &ps.RefundOwed,
		&platformFee, &websitePayout, &createdAt, &updatedAt, &expiresAt, &completedAt,
	); err != nil {
		return nil, err
	}

	ps.Status = domain.Status(status)
	ps.Amount = uint64(amount)
	ps.AssetID = uint64(assetID)
	ps.ConfirmedRound = uint64(confirmedRound)
	ps.PlatformFee = uint64(platformFee)
	ps.WebsitePayout = uint64(websitePayout)
	ps.EscrowTxID = escrowTxID.String
	ps.CreatedAt = time.UnixMilli(createdAt)
	ps.UpdatedAt = time.UnixMilli(updatedAt)
	ps.ExpiresAt = time.UnixMilli(expiresAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		ps.CompletedAt = &t
	}
	return &ps, nil
}

func scanWebsite(row scanner) (*domain.Website, error) {
	var w domain.Website
	var assetID, basePayment, createdAt, updatedAt int64
	var queryTypes string

	if err := row.Scan(
		&w.Domain, &w.OwnerAddress, &assetID, &w.Subname, &w.Verified,
		&basePayment, &w.PaymentRequired, &queryTypes, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	w.AssetID = uint64(assetID)
	w.BasePaymentAmount = uint64(basePayment)
	w.SupportedQueryTypes = domain.ParseQueryTypes(queryTypes)
	w.CreatedAt = time.UnixMilli(createdAt)
	w.UpdatedAt = time.UnixMilli(updatedAt)
	return &w, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
