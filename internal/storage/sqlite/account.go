package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

const accountColumns = `id, label, clientId, clientSecret, refreshToken, accessToken,
	 other, last_refresh_time, last_refresh_status, created_at, updated_at, enabled, type`

// CreateAccount inserts a new account, assigning a UUID v7 id when absent.
func (s *Store) CreateAccount(ctx context.Context, a *gateway.Account) error {
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Label, a.ClientID, a.ClientSecret, a.RefreshToken, a.AccessToken,
		rawToNull(a.Other), timeToStr(a.LastRefreshTime), nullStr(a.LastRefreshStatus),
		a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339),
		boolToInt(a.Enabled), string(a.Type),
	)
	return err
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*gateway.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns accounts matching the filter, newest first.
func (s *Store) ListAccounts(ctx context.Context, f storage.AccountFilter) ([]*gateway.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	var conds []string
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.EnabledOnly {
		conds = append(conds, "enabled = 1")
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*gateway.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccount writes all mutable fields of an account.
func (s *Store) UpdateAccount(ctx context.Context, a *gateway.Account) error {
	a.UpdatedAt = time.Now().UTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET label=?, clientId=?, clientSecret=?, refreshToken=?, accessToken=?,
		 other=?, last_refresh_time=?, last_refresh_status=?, updated_at=?, enabled=?, type=?
		 WHERE id=?`,
		a.Label, a.ClientID, a.ClientSecret, a.RefreshToken, a.AccessToken,
		rawToNull(a.Other), timeToStr(a.LastRefreshTime), nullStr(a.LastRefreshStatus),
		a.UpdatedAt.Format(time.RFC3339), boolToInt(a.Enabled), string(a.Type), a.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// UpdateTokens writes a refresh outcome. An empty refresh token keeps the
// stored one; the status stamp and last_refresh_time are written atomically
// with the access token.
func (s *Store) UpdateTokens(ctx context.Context, id, access, refresh, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET accessToken=?,
		 refreshToken=COALESCE(NULLIF(?, ''), refreshToken),
		 last_refresh_time=?, last_refresh_status=?, updated_at=?
		 WHERE id=?`,
		access, refresh, now, status, now, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// MergeOther patches the account's other bag inside a write transaction,
// preserving keys the patch does not mention.
func (s *Store) MergeOther(ctx context.Context, id string, patch map[string]any) error {
	return s.patchOther(ctx, id, func(other json.RawMessage) (json.RawMessage, error) {
		return gateway.MergeOther(other, patch)
	})
}

// SetCredits replaces the account's quota ledger.
func (s *Store) SetCredits(ctx context.Context, id string, ci gateway.CreditsInfo) error {
	return s.MergeOther(ctx, id, map[string]any{"creditsInfo": ci})
}

// MarkModelExhausted zeroes the ledger entry for model with the given reset instant.
func (s *Store) MarkModelExhausted(ctx context.Context, id, model string, resetTime time.Time) error {
	return s.patchOther(ctx, id, func(other json.RawMessage) (json.RawMessage, error) {
		ci := creditsFromOther(other)
		ci.Models[model] = gateway.ModelQuota{
			RemainingFraction: 0,
			RemainingPercent:  0,
			ResetTime:         resetTime.UTC().Format(time.RFC3339),
		}
		return gateway.MergeOther(other, map[string]any{"creditsInfo": ci})
	})
}

// RestoreModelQuotaIfDue self-heals an exhausted ledger entry whose reset
// instant has passed. Returns true when a write happened.
func (s *Store) RestoreModelQuotaIfDue(ctx context.Context, id, model string) (bool, error) {
	restored := false
	err := s.patchOther(ctx, id, func(other json.RawMessage) (json.RawMessage, error) {
		ci := creditsFromOther(other)
		q, ok := ci.Models[model]
		if !ok || q.RemainingFraction > 0 {
			return nil, nil // nothing to do
		}
		reset, ok := q.ResetAt()
		if !ok || time.Now().Before(reset) {
			return nil, nil
		}
		q.RemainingFraction = 1.0
		q.RemainingPercent = 100
		ci.Models[model] = q
		restored = true
		return gateway.MergeOther(other, map[string]any{"creditsInfo": ci})
	})
	return restored, err
}

// patchOther runs a read-modify-write cycle on the other column inside a
// transaction on the writer connection. The mutate func returning (nil, nil)
// skips the write.
func (s *Store) patchOther(ctx context.Context, id string, mutate func(json.RawMessage) (json.RawMessage, error)) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var other sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT other FROM accounts WHERE id=?`, id).Scan(&other)
	if err != nil {
		return notFoundErr(err)
	}

	var raw json.RawMessage
	if other.Valid {
		raw = json.RawMessage(other.String)
	}
	updated, err := mutate(raw)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET other=?, updated_at=? WHERE id=?`,
		string(updated), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// creditsFromOther parses the ledger, always returning a usable Models map.
func creditsFromOther(other json.RawMessage) gateway.CreditsInfo {
	a := gateway.Account{Other: other}
	ci := a.Credits()
	if ci.Models == nil {
		ci.Models = map[string]gateway.ModelQuota{}
	}
	return ci
}

func scanAccount(sc scanner) (*gateway.Account, error) {
	var a gateway.Account
	var other, lastRefreshTime, lastRefreshStatus sql.NullString
	var createdAt, updatedAt string
	var enabled int
	var typ string

	err := sc.Scan(
		&a.ID, &a.Label, &a.ClientID, &a.ClientSecret, &a.RefreshToken, &a.AccessToken,
		&other, &lastRefreshTime, &lastRefreshStatus, &createdAt, &updatedAt, &enabled, &typ,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.Enabled = enabled != 0
	a.Type = gateway.Channel(typ)
	if other.Valid {
		a.Other = json.RawMessage(other.String)
	}
	a.LastRefreshTime = parseTime(lastRefreshTime)
	a.LastRefreshStatus = lastRefreshStatus.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		a.UpdatedAt = t
	}
	return &a, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// helpers

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
