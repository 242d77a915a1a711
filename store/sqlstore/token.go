package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/dormoron/idguard/auth/token"
	"github.com/dormoron/idguard/internal/errs"
	"github.com/dormoron/idguard/internal/retry"
)

const tokenColumns = `id, access_digest, refresh_digest, user_id, tenant_id, client_id, device_id, device_type,
	client_ip, user_agent, issued_at, access_expires_at, refresh_expires_at, revoked, revoked_at,
	revoke_reason, parent_id, version`

type tokenRow struct {
	ID               string `db:"id"`
	AccessDigest     string `db:"access_digest"`
	RefreshDigest    string `db:"refresh_digest"`
	UserID           string `db:"user_id"`
	TenantID         string `db:"tenant_id"`
	ClientID         string `db:"client_id"`
	DeviceID         string `db:"device_id"`
	DeviceType       string `db:"device_type"`
	ClientIP         string `db:"client_ip"`
	UserAgent        string `db:"user_agent"`
	IssuedAt         int64  `db:"issued_at"`
	AccessExpiresAt  int64  `db:"access_expires_at"`
	RefreshExpiresAt int64  `db:"refresh_expires_at"`
	Revoked          bool   `db:"revoked"`
	RevokedAt        int64  `db:"revoked_at"`
	RevokeReason     string `db:"revoke_reason"`
	ParentID         string `db:"parent_id"`
	Version          int64  `db:"version"`
}

func (r tokenRow) toRecord() *token.Record {
	return &token.Record{
		ID:               r.ID,
		AccessDigest:     r.AccessDigest,
		RefreshDigest:    r.RefreshDigest,
		UserID:           r.UserID,
		TenantID:         r.TenantID,
		ClientID:         r.ClientID,
		DeviceID:         r.DeviceID,
		DeviceType:       r.DeviceType,
		ClientIP:         r.ClientIP,
		UserAgent:        r.UserAgent,
		IssuedAt:         fromMillis(r.IssuedAt),
		AccessExpiresAt:  fromMillis(r.AccessExpiresAt),
		RefreshExpiresAt: fromMillis(r.RefreshExpiresAt),
		Revoked:          r.Revoked,
		RevokedAt:        fromMillis(r.RevokedAt),
		RevokeReason:     r.RevokeReason,
		ParentID:         r.ParentID,
		Version:          r.Version,
	}
}

// TokenStore 实现 token.Store
type TokenStore struct {
	*DB
}

var _ token.Store = (*TokenStore)(nil)

// Create 保存新记录
func (s *TokenStore) Create(ctx context.Context, r *token.Record) error {
	return s.insert(ctx, s.db, r)
}

func (s *TokenStore) insert(ctx context.Context, exec sqlx.ExecerContext, r *token.Record) error {
	query, args, err := s.builder.Insert("auth_tokens").
		Columns("id", "access_digest", "refresh_digest", "user_id", "tenant_id", "client_id", "device_id",
			"device_type", "client_ip", "user_agent", "issued_at", "access_expires_at", "refresh_expires_at",
			"revoked", "revoked_at", "revoke_reason", "parent_id", "version").
		Values(r.ID, r.AccessDigest, r.RefreshDigest, r.UserID, r.TenantID, r.ClientID, r.DeviceID,
			r.DeviceType, r.ClientIP, r.UserAgent, toMillis(r.IssuedAt), toMillis(r.AccessExpiresAt),
			toMillis(r.RefreshExpiresAt), r.Revoked, toMillis(r.RevokedAt), r.RevokeReason, r.ParentID, r.Version).
		ToSql()
	if err != nil {
		return errs.ErrStoreExec("insert token", err)
	}
	if _, err = exec.ExecContext(ctx, query, args...); err != nil {
		return errs.ErrStoreExec("insert token", err)
	}
	return nil
}

func (s *TokenStore) getBy(ctx context.Context, q sqlx.QueryerContext, column, value string) (*token.Record, error) {
	var row tokenRow
	err := sqlx.GetContext(ctx, q, &row, s.rebind(`SELECT `+tokenColumns+` FROM auth_tokens WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrRecordNotFound
	}
	if err != nil {
		return nil, errs.ErrStoreQuery("get token", err)
	}
	return row.toRecord(), nil
}

// Get 按ID读取
func (s *TokenStore) Get(ctx context.Context, id string) (*token.Record, error) {
	return s.getBy(ctx, s.db, "id", id)
}

// FindByAccess 按访问令牌摘要读取
func (s *TokenStore) FindByAccess(ctx context.Context, digest string) (*token.Record, error) {
	return s.getBy(ctx, s.db, "access_digest", digest)
}

// FindByRefresh 按刷新令牌摘要读取
func (s *TokenStore) FindByRefresh(ctx context.Context, digest string) (*token.Record, error) {
	return s.getBy(ctx, s.db, "refresh_digest", digest)
}

// Rotate 按版本撤销旧记录并在同一事务中插入新记录
func (s *TokenStore) Rotate(ctx context.Context, old *token.Record, expectedVersion int64, next *token.Record) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE auth_tokens SET revoked = ?, revoked_at = ?, revoke_reason = ?, version = version + 1
			WHERE id = ? AND version = ?`),
			old.Revoked, toMillis(old.RevokedAt), old.RevokeReason, old.ID, expectedVersion)
		if err != nil {
			return errs.ErrStoreExec("rotate token", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err = s.getBy(ctx, tx, "id", old.ID); err != nil {
				return err
			}
			return retry.ErrConflict
		}
		return s.insert(ctx, tx, next)
	})
}

// Revoke 撤销单条记录，已撤销时返回 false
func (s *TokenStore) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE auth_tokens SET revoked = ?, revoked_at = ?, revoke_reason = ?, version = version + 1
		WHERE id = ? AND revoked = ?`), true, toMillis(at), reason, id, false)
	if err != nil {
		return false, errs.ErrStoreExec("revoke token", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err = s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RevokeByUser 撤销用户全部有效记录
func (s *TokenStore) RevokeByUser(ctx context.Context, userID, reason string, at time.Time) ([]*token.Record, error) {
	return s.revokeWhere(ctx, sq.Eq{"user_id": userID}, reason, at)
}

// RevokeByTenant 撤销租户全部有效记录
func (s *TokenStore) RevokeByTenant(ctx context.Context, tenantID, reason string, at time.Time) ([]*token.Record, error) {
	return s.revokeWhere(ctx, sq.Eq{"tenant_id": tenantID}, reason, at)
}

// RevokeByDevice 撤销用户在一台设备上的全部有效记录
func (s *TokenStore) RevokeByDevice(ctx context.Context, userID, deviceID, reason string, at time.Time) ([]*token.Record, error) {
	return s.revokeWhere(ctx, sq.Eq{"user_id": userID, "device_id": deviceID}, reason, at)
}

// ListActive 用户未撤销且刷新期晚于 now 的记录
func (s *TokenStore) ListActive(ctx context.Context, userID string, now time.Time) ([]*token.Record, error) {
	query, args, err := s.builder.Select(tokenColumns).From("auth_tokens").
		Where(sq.Eq{"user_id": userID, "revoked": false}).
		Where(sq.Gt{"refresh_expires_at": toMillis(now)}).
		OrderBy("issued_at DESC", "id").
		ToSql()
	if err != nil {
		return nil, errs.ErrStoreQuery("list active tokens", err)
	}
	var rows []tokenRow
	if err = sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, errs.ErrStoreQuery("list active tokens", err)
	}
	out := make([]*token.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

func (s *TokenStore) revokeWhere(ctx context.Context, match sq.Eq, reason string, at time.Time) ([]*token.Record, error) {
	var out []*token.Record
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		live := sq.And{match, sq.Eq{"revoked": false}}
		query, args, err := s.builder.Select(tokenColumns).From("auth_tokens").Where(live).ToSql()
		if err != nil {
			return errs.ErrStoreQuery("select live tokens", err)
		}
		var rows []tokenRow
		if err = tx.SelectContext(ctx, &rows, query, args...); err != nil {
			return errs.ErrStoreQuery("select live tokens", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ms := toMillis(at)
		query, args, err = s.builder.Update("auth_tokens").
			Set("revoked", true).
			Set("revoked_at", ms).
			Set("revoke_reason", reason).
			Set("version", sq.Expr("version + 1")).
			Where(live).
			ToSql()
		if err != nil {
			return errs.ErrStoreExec("revoke tokens", err)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return errs.ErrStoreExec("revoke tokens", err)
		}
		out = make([]*token.Record, 0, len(rows))
		for _, r := range rows {
			rec := r.toRecord()
			rec.Revoked = true
			rec.RevokedAt = fromMillis(ms)
			rec.RevokeReason = reason
			rec.Version++
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// DeleteDead 删除刷新期已过或在 before 之前撤销的记录
func (s *TokenStore) DeleteDead(ctx context.Context, before time.Time) (int64, error) {
	ms := toMillis(before)
	query, args, err := s.builder.Delete("auth_tokens").
		Where(sq.Or{
			sq.Lt{"refresh_expires_at": ms},
			sq.And{sq.Eq{"revoked": true}, sq.Lt{"revoked_at": ms}},
		}).
		ToSql()
	if err != nil {
		return 0, errs.ErrStoreExec("delete dead tokens", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.ErrStoreExec("delete dead tokens", err)
	}
	return res.RowsAffected()
}
