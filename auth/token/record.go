package token

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// DefaultAccessTTL 访问令牌有效期
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL 刷新令牌有效期
	DefaultRefreshTTL = 30 * 24 * time.Hour
	// TokenTypeBearer 令牌类型
	TokenTypeBearer = "Bearer"
)

// 撤销原因
const (
	ReasonLogout    = "logout"
	ReasonRotated   = "rotated"
	ReasonRevokeAll = "revoke_all"
	ReasonTenant    = "tenant_revoked"
	ReasonDevice    = "device_revoked"
)

// Record 一对访问令牌和刷新令牌的持久化记录
// 令牌明文不落库，只保存摘要
type Record struct {
	ID string `db:"id"`
	// AccessDigest 访问令牌的SHA-256摘要
	AccessDigest string `db:"access_digest"`
	// RefreshDigest 刷新令牌的SHA-256摘要
	RefreshDigest    string    `db:"refresh_digest"`
	UserID           string    `db:"user_id"`
	TenantID         string    `db:"tenant_id"`
	ClientID         string    `db:"client_id"`
	DeviceID         string    `db:"device_id"`
	DeviceType       string    `db:"device_type"`
	ClientIP         string    `db:"client_ip"`
	UserAgent        string    `db:"user_agent"`
	IssuedAt         time.Time `db:"issued_at"`
	AccessExpiresAt  time.Time `db:"access_expires_at"`
	RefreshExpiresAt time.Time `db:"refresh_expires_at"`
	Revoked          bool      `db:"revoked"`
	RevokedAt        time.Time `db:"revoked_at"`
	RevokeReason     string    `db:"revoke_reason"`
	// ParentID 轮换前的记录ID
	ParentID string `db:"parent_id"`
	Version  int64  `db:"version"`
}

// GetVersion 实现 retry.Versioned
func (r Record) GetVersion() int64 {
	return r.Version
}

// Subject 签发令牌的对象
type Subject struct {
	UserID     string
	TenantID   string
	ClientID   string
	DeviceID   string
	DeviceType string
	ClientIP   string
	UserAgent  string
}

// Pair 签发给客户端的令牌对
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int64     `json:"expiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	// RecordID 即访问令牌的 jti
	RecordID string `json:"-"`
}

// Claims 校验通过的访问令牌内容
type Claims struct {
	TokenID   string
	UserID    string
	TenantID  string
	ClientID  string
	DeviceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Session 用户的一个仍可刷新的登录会话，不含令牌摘要
type Session struct {
	ID               string
	ClientID         string
	DeviceID         string
	DeviceType       string
	ClientIP         string
	UserAgent        string
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

func newSession(r *Record) *Session {
	return &Session{
		ID:               r.ID,
		ClientID:         r.ClientID,
		DeviceID:         r.DeviceID,
		DeviceType:       r.DeviceType,
		ClientIP:         r.ClientIP,
		UserAgent:        r.UserAgent,
		IssuedAt:         r.IssuedAt,
		AccessExpiresAt:  r.AccessExpiresAt,
		RefreshExpiresAt: r.RefreshExpiresAt,
	}
}

// Digest 令牌的存储摘要
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
