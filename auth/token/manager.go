package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/internal/retry"
	"github.com/dormoron/idguard/internal/security"
	"github.com/dormoron/idguard/observability/logging"
)

// refreshTokenBytes 刷新令牌的随机字节数
const refreshTokenBytes = 32

// Service 令牌生命周期接口，审计装饰器包装的就是它
type Service interface {
	Issue(ctx context.Context, s Subject) (*Pair, error)
	Validate(ctx context.Context, accessToken string) (*Claims, error)
	Refresh(ctx context.Context, refreshToken string) (*Pair, error)
	Revoke(ctx context.Context, token, reason string) error
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
	RevokeAllForTenant(ctx context.Context, tenantID string) (int, error)
	RevokeDevice(ctx context.Context, userID, deviceID string) (int, error)
	ListActive(ctx context.Context, userID string) ([]*Session, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// Config 令牌管理器配置
type Config struct {
	// SigningKey HS256 签名密钥，至少32字节
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// accessClaims 访问令牌JWT载荷，jti 为记录ID
type accessClaims struct {
	TenantID string `json:"tid,omitempty"`
	ClientID string `json:"cid,omitempty"`
	DeviceID string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

// Manager 签发、校验、轮换和撤销令牌
type Manager struct {
	store     Store
	blacklist Blacklist
	cfg       Config
	parser    *jwt.Parser
	retrier   *retry.Retrier
	logger    logging.Logger
	now       func() time.Time
}

// Option 配置 Manager
type Option func(*Manager)

// WithBlacklist 设置共享黑名单
func WithBlacklist(b Blacklist) Option {
	return func(m *Manager) {
		m.blacklist = b
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRetrier 设置轮换冲突重试器
func WithRetrier(r *retry.Retrier) Option {
	return func(m *Manager) {
		m.retrier = r
	}
}

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager 创建令牌管理器
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, errors.New("token: signing key must be at least 32 bytes")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.AccessTTL > cfg.RefreshTTL {
		return nil, errors.New("token: access ttl must not exceed refresh ttl")
	}
	m := &Manager{
		store:   store,
		cfg:     cfg,
		retrier: retry.NewRetrier(retry.WithMaxAttempts(3)),
		logger:  logging.GetDefaultLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	// 过期判断使用注入的时钟，解析器只负责签名和算法
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return m, nil
}

var (
	_ Service             = (*Manager)(nil)
	_ auth.TokenValidator = (*Manager)(nil)
)

// Issue 为主体签发新的令牌对
func (m *Manager) Issue(ctx context.Context, s Subject) (*Pair, error) {
	if s.UserID == "" {
		return nil, auth.Validation("missing user id")
	}
	now := m.now()
	rec, pair, err := m.mint(s, now, now.Add(m.cfg.RefreshTTL))
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	if err = m.store.Create(ctx, rec); err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	return pair, nil
}

// mint 生成一对新令牌和对应记录，访问令牌不会晚于刷新令牌过期
func (m *Manager) mint(s Subject, now, refreshExpiresAt time.Time) (*Record, *Pair, error) {
	id := uuid.NewString()
	accessExpiresAt := now.Add(m.cfg.AccessTTL)
	if accessExpiresAt.After(refreshExpiresAt) {
		accessExpiresAt = refreshExpiresAt
	}

	claims := accessClaims{
		TenantID: s.TenantID,
		ClientID: s.ClientID,
		DeviceID: s.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   s.UserID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.SigningKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := security.RandomToken(refreshTokenBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("generate refresh token: %w", err)
	}

	rec := &Record{
		ID:               id,
		AccessDigest:     Digest(access),
		RefreshDigest:    Digest(refresh),
		UserID:           s.UserID,
		TenantID:         s.TenantID,
		ClientID:         s.ClientID,
		DeviceID:         s.DeviceID,
		DeviceType:       s.DeviceType,
		ClientIP:         s.ClientIP,
		UserAgent:        s.UserAgent,
		IssuedAt:         now,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		Version:          1,
	}
	pair := &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        TokenTypeBearer,
		ExpiresIn:        int64(accessExpiresAt.Sub(now) / time.Second),
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		RecordID:         id,
	}
	return rec, pair, nil
}

// Validate 校验访问令牌
// 伪造或未知的令牌返回 TokenInvalid，已撤销返回 TokenRevoked，过期返回 TokenExpired
func (m *Manager) Validate(ctx context.Context, accessToken string) (*Claims, error) {
	if accessToken == "" {
		return nil, auth.ErrTokenInvalid
	}
	var claims accessClaims
	if _, err := m.parser.ParseWithClaims(accessToken, &claims, m.keyFunc); err != nil {
		return nil, auth.Wrap(auth.ErrTokenInvalid, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, auth.ErrTokenInvalid
	}

	if m.blacklist != nil {
		listed, err := m.blacklist.Contains(ctx, claims.ID)
		if err != nil {
			m.logger.Warn("读取令牌黑名单失败", map[string]interface{}{
				logging.FieldError: err,
			})
		} else if listed {
			return nil, auth.ErrTokenRevoked
		}
	}

	rec, err := m.store.FindByAccess(ctx, Digest(accessToken))
	if errors.Is(err, ErrRecordNotFound) {
		return nil, auth.ErrTokenInvalid
	}
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	if rec.ID != claims.ID {
		return nil, auth.ErrTokenInvalid
	}
	if rec.Revoked {
		return nil, auth.ErrTokenRevoked
	}
	if !m.now().Before(rec.AccessExpiresAt) {
		return nil, auth.ErrTokenExpired
	}
	return &Claims{
		TokenID:   rec.ID,
		UserID:    rec.UserID,
		TenantID:  rec.TenantID,
		ClientID:  rec.ClientID,
		DeviceID:  rec.DeviceID,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.AccessExpiresAt,
	}, nil
}

// ValidateAccess 实现 auth.TokenValidator
func (m *Manager) ValidateAccess(ctx context.Context, accessToken string) (*auth.Principal, error) {
	c, err := m.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return &auth.Principal{
		UserID:    c.UserID,
		TenantID:  c.TenantID,
		DeviceID:  c.DeviceID,
		TokenID:   c.TokenID,
		ExpiresAt: c.ExpiresAt,
	}, nil
}

func (m *Manager) keyFunc(*jwt.Token) (interface{}, error) {
	return m.cfg.SigningKey, nil
}

// rotation 一次刷新提交的内容
type rotation struct {
	old  Record
	next *Record
}

func (r rotation) GetVersion() int64 {
	return r.old.Version
}

// Refresh 用刷新令牌换取新的令牌对，旧记录同时被撤销
// 并发刷新同一令牌时只有一个成功，其余返回 TokenRevoked
// 新刷新令牌沿用原来的绝对过期时间
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	if refreshToken == "" {
		return nil, auth.ErrTokenInvalid
	}
	digest := Digest(refreshToken)
	now := m.now()

	store := retry.CASFuncs[rotation]{
		LoadFunc: func(ctx context.Context) (rotation, error) {
			rec, err := m.store.FindByRefresh(ctx, digest)
			if err != nil {
				return rotation{}, err
			}
			return rotation{old: *rec}, nil
		},
		SwapFunc: func(ctx context.Context, expected int64, next rotation) error {
			return m.store.Rotate(ctx, &next.old, expected, next.next)
		},
	}
	var rotated Record
	pair, err := retry.CompareAndSwap(ctx, m.retrier, store, func(cur rotation) (rotation, *Pair, error) {
		old := cur.old
		if old.Revoked {
			return rotation{}, nil, auth.ErrTokenRevoked
		}
		if !now.Before(old.RefreshExpiresAt) {
			return rotation{}, nil, auth.ErrTokenExpired
		}
		next, pair, err := m.mint(Subject{
			UserID:     old.UserID,
			TenantID:   old.TenantID,
			ClientID:   old.ClientID,
			DeviceID:   old.DeviceID,
			DeviceType: old.DeviceType,
			ClientIP:   old.ClientIP,
			UserAgent:  old.UserAgent,
		}, now, old.RefreshExpiresAt)
		if err != nil {
			return rotation{}, nil, err
		}
		next.ParentID = old.ID
		old.Revoked = true
		old.RevokedAt = now
		old.RevokeReason = ReasonRotated
		rotated = old
		return rotation{old: old, next: next}, pair, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrRecordNotFound):
		return nil, auth.ErrTokenInvalid
	case auth.KindOf(err) == auth.KindTokenRevoked, auth.KindOf(err) == auth.KindTokenExpired:
		return nil, err
	case errors.Is(err, retry.ErrExhausted):
		// 冲突耗尽说明其他请求已经完成轮换
		return nil, auth.ErrTokenRevoked
	default:
		return nil, auth.Wrap(auth.ErrInternal, err)
	}

	m.blacklistRecord(ctx, &rotated, now)
	return pair, nil
}

// Revoke 撤销访问令牌或刷新令牌所属的记录
// 重复撤销和未知令牌都视为成功
func (m *Manager) Revoke(ctx context.Context, token, reason string) error {
	if token == "" {
		return nil
	}
	if reason == "" {
		reason = ReasonLogout
	}
	digest := Digest(token)
	rec, err := m.store.FindByAccess(ctx, digest)
	if errors.Is(err, ErrRecordNotFound) {
		rec, err = m.store.FindByRefresh(ctx, digest)
	}
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return auth.Wrap(auth.ErrInternal, err)
	}

	now := m.now()
	changed, err := m.store.Revoke(ctx, rec.ID, reason, now)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return auth.Wrap(auth.ErrInternal, err)
	}
	if changed {
		m.blacklistRecord(ctx, rec, now)
	}
	return nil
}

// RevokeAllForUser 撤销用户的全部令牌
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, auth.Validation("missing user id")
	}
	now := m.now()
	recs, err := m.store.RevokeByUser(ctx, userID, ReasonRevokeAll, now)
	if err != nil {
		return 0, auth.Wrap(auth.ErrInternal, err)
	}
	for _, r := range recs {
		m.blacklistRecord(ctx, r, now)
	}
	return len(recs), nil
}

// RevokeAllForTenant 撤销租户下全部令牌
func (m *Manager) RevokeAllForTenant(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, auth.Validation("missing tenant id")
	}
	now := m.now()
	recs, err := m.store.RevokeByTenant(ctx, tenantID, ReasonTenant, now)
	if err != nil {
		return 0, auth.Wrap(auth.ErrInternal, err)
	}
	for _, r := range recs {
		m.blacklistRecord(ctx, r, now)
	}
	return len(recs), nil
}

// RevokeDevice 撤销用户在一台设备上的全部令牌，其他设备不受影响
func (m *Manager) RevokeDevice(ctx context.Context, userID, deviceID string) (int, error) {
	if userID == "" {
		return 0, auth.Validation("missing user id")
	}
	if deviceID == "" {
		return 0, auth.Validation("missing device id")
	}
	now := m.now()
	recs, err := m.store.RevokeByDevice(ctx, userID, deviceID, ReasonDevice, now)
	if err != nil {
		return 0, auth.Wrap(auth.ErrInternal, err)
	}
	for _, r := range recs {
		m.blacklistRecord(ctx, r, now)
	}
	return len(recs), nil
}

// ListActive 列出用户仍可刷新的会话，最新签发的在前
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	if userID == "" {
		return nil, auth.Validation("missing user id")
	}
	recs, err := m.store.ListActive(ctx, userID, m.now())
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	out := make([]*Session, 0, len(recs))
	for _, r := range recs {
		out = append(out, newSession(r))
	}
	return out, nil
}

// Cleanup 删除刷新期已过或在 before 之前撤销的记录
func (m *Manager) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	n, err := m.store.DeleteDead(ctx, before)
	if err != nil {
		return 0, auth.Wrap(auth.ErrInternal, err)
	}
	return n, nil
}

// blacklistRecord 把已撤销记录写入黑名单直到访问令牌自然过期
func (m *Manager) blacklistRecord(ctx context.Context, r *Record, now time.Time) {
	if m.blacklist == nil || !r.Revoked {
		return
	}
	ttl := r.AccessExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	if err := m.blacklist.Add(context.WithoutCancel(ctx), r.ID, ttl); err != nil {
		m.logger.Warn("写入令牌黑名单失败", map[string]interface{}{
			"token_id":         r.ID,
			logging.FieldError: err,
		})
	}
}
