package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/auth/mfa"
	"github.com/dormoron/idguard/internal/errs"
	"github.com/dormoron/idguard/internal/retry"
)

const factorColumns = `id, user_id, factor_type, name, secret, destination, is_primary, status,
	failed_attempts, locked_until, last_used_at, verify_count, version, created_at, updated_at`

type factorRow struct {
	ID             string `db:"id"`
	UserID         string `db:"user_id"`
	FactorType     uint8  `db:"factor_type"`
	Name           string `db:"name"`
	Secret         string `db:"secret"`
	Destination    string `db:"destination"`
	IsPrimary      bool   `db:"is_primary"`
	Status         uint8  `db:"status"`
	FailedAttempts int    `db:"failed_attempts"`
	LockedUntil    int64  `db:"locked_until"`
	LastUsedAt     int64  `db:"last_used_at"`
	VerifyCount    int64  `db:"verify_count"`
	Version        int64  `db:"version"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r factorRow) toFactor() *mfa.Factor {
	return &mfa.Factor{
		ID:             r.ID,
		UserID:         r.UserID,
		Type:           mfa.FactorType(r.FactorType),
		Name:           r.Name,
		Secret:         r.Secret,
		Destination:    r.Destination,
		Primary:        r.IsPrimary,
		Status:         mfa.FactorStatus(r.Status),
		FailedAttempts: r.FailedAttempts,
		LockedUntil:    fromMillis(r.LockedUntil),
		LastUsedAt:     fromMillis(r.LastUsedAt),
		VerifyCount:    r.VerifyCount,
		Version:        r.Version,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
}

// FactorStore 实现 mfa.FactorRepository、mfa.BackupCodeRepository 和 mfa.LogRepository
type FactorStore struct {
	*DB
}

var (
	_ mfa.FactorRepository     = (*FactorStore)(nil)
	_ mfa.BackupCodeRepository = (*FactorStore)(nil)
	_ mfa.LogRepository        = (*FactorStore)(nil)
)

// Create 保存新因子
func (s *FactorStore) Create(ctx context.Context, f *mfa.Factor) error {
	query, args, err := s.builder.Insert("mfa_factors").
		Columns("id", "user_id", "factor_type", "name", "secret", "destination", "is_primary", "status",
			"failed_attempts", "locked_until", "last_used_at", "verify_count", "version", "created_at", "updated_at").
		Values(f.ID, f.UserID, uint8(f.Type), f.Name, f.Secret, f.Destination, f.Primary, uint8(f.Status),
			f.FailedAttempts, toMillis(f.LockedUntil), toMillis(f.LastUsedAt), f.VerifyCount, f.Version,
			toMillis(f.CreatedAt), toMillis(f.UpdatedAt)).
		ToSql()
	if err != nil {
		return errs.ErrStoreExec("insert factor", err)
	}
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		return errs.ErrStoreExec("insert factor", err)
	}
	return nil
}

// Get 按ID读取
func (s *FactorStore) Get(ctx context.Context, factorID string) (*mfa.Factor, error) {
	return getFactor(ctx, s.db, s.rebind(`SELECT `+factorColumns+` FROM mfa_factors WHERE id = ?`), factorID)
}

func getFactor(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*mfa.Factor, error) {
	var row factorRow
	err := sqlx.GetContext(ctx, q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrFactorNotFound
	}
	if err != nil {
		return nil, errs.ErrStoreQuery("get factor", err)
	}
	return row.toFactor(), nil
}

// ListByUser 按创建时间升序列出用户的全部因子
func (s *FactorStore) ListByUser(ctx context.Context, userID string) ([]*mfa.Factor, error) {
	var rows []factorRow
	err := s.db.SelectContext(ctx, &rows,
		s.rebind(`SELECT `+factorColumns+` FROM mfa_factors WHERE user_id = ? ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, errs.ErrStoreQuery("list factors", err)
	}
	out := make([]*mfa.Factor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toFactor())
	}
	return out, nil
}

// Primary 读取用户的主因子
func (s *FactorStore) Primary(ctx context.Context, userID string) (*mfa.Factor, error) {
	return getFactor(ctx, s.db,
		s.rebind(`SELECT `+factorColumns+` FROM mfa_factors WHERE user_id = ? AND is_primary = ? AND status = ?`),
		userID, true, uint8(mfa.StatusActive))
}

// Activate 激活 PENDING 因子，用户没有 ACTIVE 主因子时同时设为主因子
func (s *FactorStore) Activate(ctx context.Context, factorID string, now time.Time) (*mfa.Factor, error) {
	var out *mfa.Factor
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE mfa_factors
			SET status = ?,
			    is_primary = NOT EXISTS (
			        SELECT 1 FROM mfa_factors p
			        WHERE p.user_id = mfa_factors.user_id AND p.is_primary = ? AND p.status = ?),
			    version = version + 1,
			    updated_at = ?
			WHERE id = ? AND status = ?`),
			uint8(mfa.StatusActive), true, uint8(mfa.StatusActive), toMillis(now),
			factorID, uint8(mfa.StatusPending))
		if err != nil {
			return errs.ErrStoreExec("activate factor", err)
		}
		f, err := getFactor(ctx, tx, s.rebind(`SELECT `+factorColumns+` FROM mfa_factors WHERE id = ?`), factorID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return mfa.ErrFactorNotActive
		}
		out = f
		return nil
	})
	return out, err
}

// SetPrimary 清除用户其他因子的主标记并设置目标因子
func (s *FactorStore) SetPrimary(ctx context.Context, userID, factorID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		f, err := getFactor(ctx, tx, s.rebind(`SELECT `+factorColumns+` FROM mfa_factors WHERE id = ?`), factorID)
		if err != nil {
			return err
		}
		if f.UserID != userID {
			return auth.ErrFactorNotFound
		}
		if f.Status != mfa.StatusActive {
			return mfa.ErrFactorNotActive
		}
		if f.Primary {
			return nil
		}
		ms := toMillis(now)
		if _, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE mfa_factors SET is_primary = ?, version = version + 1, updated_at = ?
			WHERE user_id = ? AND is_primary = ?`), false, ms, userID, true); err != nil {
			return errs.ErrStoreExec("clear primary", err)
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE mfa_factors SET is_primary = ?, version = version + 1, updated_at = ?
			WHERE id = ?`), true, ms, factorID); err != nil {
			return errs.ErrStoreExec("set primary", err)
		}
		return nil
	})
}

// Deactivate 停用或删除因子，原主因子的标记转给最早创建的另一个 ACTIVE 因子
func (s *FactorStore) Deactivate(ctx context.Context, factorID string, status mfa.FactorStatus, now time.Time) (*mfa.Factor, error) {
	var out *mfa.Factor
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		byID := s.rebind(`SELECT ` + factorColumns + ` FROM mfa_factors WHERE id = ?`)
		f, err := getFactor(ctx, tx, byID, factorID)
		if err != nil {
			return err
		}
		if f.Status == mfa.StatusDeleted {
			return auth.ErrFactorNotFound
		}
		ms := toMillis(now)
		if _, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE mfa_factors SET status = ?, is_primary = ?, version = version + 1, updated_at = ?
			WHERE id = ?`), uint8(status), false, ms, factorID); err != nil {
			return errs.ErrStoreExec("deactivate factor", err)
		}
		if f.Primary {
			next, err := getFactor(ctx, tx, s.rebind(`
				SELECT `+factorColumns+` FROM mfa_factors
				WHERE user_id = ? AND id <> ? AND status = ?
				ORDER BY created_at, id LIMIT 1`), f.UserID, factorID, uint8(mfa.StatusActive))
			switch {
			case errors.Is(err, auth.ErrFactorNotFound):
			case err != nil:
				return err
			default:
				if _, err = tx.ExecContext(ctx, s.rebind(`
					UPDATE mfa_factors SET is_primary = ?, version = version + 1, updated_at = ?
					WHERE id = ?`), true, ms, next.ID); err != nil {
					return errs.ErrStoreExec("promote factor", err)
				}
			}
		}
		out, err = getFactor(ctx, tx, byID, factorID)
		return err
	})
	return out, err
}

// CommitAttempt 按版本写入计数器字段并在同一事务中追加验证日志、消费备用码
func (s *FactorStore) CommitAttempt(ctx context.Context, f *mfa.Factor, expectedVersion int64,
	entry *mfa.VerificationLog, use *mfa.BackupCodeUse) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE mfa_factors
			SET failed_attempts = ?, locked_until = ?, last_used_at = ?, verify_count = ?,
			    updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`),
			f.FailedAttempts, toMillis(f.LockedUntil), toMillis(f.LastUsedAt), f.VerifyCount,
			toMillis(f.UpdatedAt), f.ID, expectedVersion)
		if err != nil {
			return errs.ErrStoreExec("commit attempt", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err = getFactor(ctx, tx, s.rebind(`SELECT `+factorColumns+` FROM mfa_factors WHERE id = ?`), f.ID); err != nil {
				return err
			}
			return retry.ErrConflict
		}
		if use != nil {
			hit, err := s.consume(ctx, tx, f.ID, use.Hash, use.UsedAt)
			if err != nil {
				return err
			}
			if !hit {
				return mfa.ErrBackupCodeSpent
			}
		}
		if entry != nil {
			return s.appendLog(ctx, tx, entry)
		}
		return nil
	})
	if err == nil {
		f.Version = expectedVersion + 1
	}
	return err
}

// ReplaceBatch 作废未使用的备用码并插入新批次
func (s *FactorStore) ReplaceBatch(ctx context.Context, factorID string, codes []*mfa.BackupCode) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM mfa_backup_codes WHERE factor_id = ? AND used = ?`),
			factorID, false); err != nil {
			return errs.ErrStoreExec("delete backup codes", err)
		}
		if len(codes) == 0 {
			return nil
		}
		ins := s.builder.Insert("mfa_backup_codes").
			Columns("id", "factor_id", "hash", "batch", "used", "used_at", "created_at")
		for _, c := range codes {
			ins = ins.Values(c.ID, factorID, c.Hash, c.Batch, c.Used, toMillis(c.UsedAt), toMillis(c.CreatedAt))
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return errs.ErrStoreExec("insert backup codes", err)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return errs.ErrStoreExec("insert backup codes", err)
		}
		return nil
	})
}

// Consume 条件更新，只有一个并发请求能把同一个备用码标记为已使用
func (s *FactorStore) Consume(ctx context.Context, factorID, hash string, now time.Time) (bool, error) {
	return s.consume(ctx, s.db, factorID, hash, now)
}

func (s *FactorStore) consume(ctx context.Context, exec sqlx.ExecerContext, factorID, hash string, now time.Time) (bool, error) {
	res, err := exec.ExecContext(ctx, s.rebind(`
		UPDATE mfa_backup_codes SET used = ?, used_at = ?
		WHERE factor_id = ? AND hash = ? AND used = ?`),
		true, toMillis(now), factorID, hash, false)
	if err != nil {
		return false, errs.ErrStoreExec("consume backup code", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.ErrStoreExec("consume backup code", err)
	}
	return n > 0, nil
}

// Unused 是否存在未使用的匹配备用码
func (s *FactorStore) Unused(ctx context.Context, factorID, hash string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM mfa_backup_codes WHERE factor_id = ? AND hash = ? AND used = ?`),
		factorID, hash, false)
	if err != nil {
		return false, errs.ErrStoreQuery("find backup code", err)
	}
	return n > 0, nil
}

// CountUnused 未使用的备用码数量
func (s *FactorStore) CountUnused(ctx context.Context, factorID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.rebind(`SELECT COUNT(*) FROM mfa_backup_codes WHERE factor_id = ? AND used = ?`), factorID, false)
	if err != nil {
		return 0, errs.ErrStoreQuery("count backup codes", err)
	}
	return n, nil
}

type logRow struct {
	ID            string `db:"id"`
	FactorID      string `db:"factor_id"`
	UserID        string `db:"user_id"`
	FactorType    uint8  `db:"factor_type"`
	Result        uint8  `db:"result"`
	ClientIP      string `db:"client_ip"`
	UserAgent     string `db:"user_agent"`
	FailureReason string `db:"failure_reason"`
	CreatedAt     int64  `db:"created_at"`
}

// Append 追加验证日志
func (s *FactorStore) Append(ctx context.Context, entry *mfa.VerificationLog) error {
	return s.appendLog(ctx, s.db, entry)
}

func (s *FactorStore) appendLog(ctx context.Context, exec sqlx.ExecerContext, e *mfa.VerificationLog) error {
	query, args, err := s.builder.Insert("mfa_verification_logs").
		Columns("id", "factor_id", "user_id", "factor_type", "result", "client_ip", "user_agent",
			"failure_reason", "created_at").
		Values(e.ID, e.FactorID, e.UserID, uint8(e.FactorType), uint8(e.Result), e.ClientIP, e.UserAgent,
			e.FailureReason, toMillis(e.CreatedAt)).
		ToSql()
	if err != nil {
		return errs.ErrStoreExec("insert verification log", err)
	}
	if _, err = exec.ExecContext(ctx, query, args...); err != nil {
		return errs.ErrStoreExec("insert verification log", err)
	}
	return nil
}

// Query 按条件查询验证日志，按时间倒序
func (s *FactorStore) Query(ctx context.Context, q mfa.LogQuery) ([]*mfa.VerificationLog, error) {
	sb := s.builder.Select("id", "factor_id", "user_id", "factor_type", "result", "client_ip", "user_agent",
		"failure_reason", "created_at").
		From("mfa_verification_logs").
		OrderBy("created_at DESC")
	if q.FactorID != "" {
		sb = sb.Where(sq.Eq{"factor_id": q.FactorID})
	}
	if q.UserID != "" {
		sb = sb.Where(sq.Eq{"user_id": q.UserID})
	}
	if q.ClientIP != "" {
		sb = sb.Where(sq.Eq{"client_ip": q.ClientIP})
	}
	if q.Result != 0 {
		sb = sb.Where(sq.Eq{"result": uint8(q.Result)})
	}
	if !q.Since.IsZero() {
		sb = sb.Where(sq.GtOrEq{"created_at": toMillis(q.Since)})
	}
	if !q.Until.IsZero() {
		sb = sb.Where(sq.Lt{"created_at": toMillis(q.Until)})
	}
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, errs.ErrStoreQuery("query verification logs", err)
	}
	var rows []logRow
	if err = s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errs.ErrStoreQuery("query verification logs", err)
	}
	out := make([]*mfa.VerificationLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, &mfa.VerificationLog{
			ID:            r.ID,
			FactorID:      r.FactorID,
			UserID:        r.UserID,
			FactorType:    mfa.FactorType(r.FactorType),
			Result:        mfa.Result(r.Result),
			ClientIP:      r.ClientIP,
			UserAgent:     r.UserAgent,
			FailureReason: r.FailureReason,
			CreatedAt:     fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}
