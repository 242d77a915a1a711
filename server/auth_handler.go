package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/auth/mfa"
	"github.com/dormoron/idguard/auth/token"
	"github.com/dormoron/idguard/observability/logging"
)

type loginRequest struct {
	Username   string `json:"username" validate:"required,max=128"`
	Password   string `json:"password" validate:"required,max=256"`
	ClientID   string `json:"clientId" validate:"max=64"`
	DeviceID   string `json:"deviceId" validate:"max=128"`
	DeviceType string `json:"deviceType" validate:"max=32"`
}

// mfaChallengeView 需要第二因素时随 1002 返回
type mfaChallengeView struct {
	ChallengeID string `json:"challengeId"`
	ExpiresAt   int64  `json:"expiresAt"`
	FactorID    string `json:"factorId,omitempty"`
	FactorType  string `json:"factorType,omitempty"`
}

type verifyRequest struct {
	ChallengeID string `json:"challengeId" validate:"required"`
	Code        string `json:"code" validate:"required,max=32"`
	FactorID    string `json:"factorId"`
}

type verifyResponse struct {
	Tokens               *token.Pair `json:"tokens"`
	BackupCodesRemaining *int        `json:"backupCodesRemaining,omitempty"`
	LowBackupCodes       bool        `json:"lowBackupCodes,omitempty"`
}

// attemptView 验证失败时返回剩余次数或锁定时间
type attemptView struct {
	RemainingAttempts int   `json:"remainingAttempts"`
	LockedUntil       int64 `json:"lockedUntil,omitempty"`
}

type loginChallengeRequest struct {
	ChallengeID string `json:"challengeId" validate:"required"`
	FactorID    string `json:"factorId"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type revokeRequest struct {
	Token  string `json:"token" validate:"required"`
	Reason string `json:"reason" validate:"max=64"`
}

type revokeDeviceRequest struct {
	DeviceID string `json:"deviceId" validate:"required,max=128"`
}

type sessionView struct {
	ID               string `json:"id"`
	ClientID         string `json:"clientId,omitempty"`
	DeviceID         string `json:"deviceId,omitempty"`
	DeviceType       string `json:"deviceType,omitempty"`
	ClientIP         string `json:"clientIp,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`
	IssuedAt         int64  `json:"issuedAt"`
	AccessExpiresAt  int64  `json:"accessExpiresAt"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
	// Current 是否就是本次请求所用的会话
	Current bool `json:"current"`
}

// login 校验密码；用户启用了多因素认证时返回登录挑战，否则直接签发令牌
func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	user, err := s.deps.Directory.VerifyPassword(ctx, req.Username, req.Password)
	if err != nil {
		s.logger.Warn("登录失败", map[string]interface{}{
			logging.FieldEvent:    "auth.login.failed",
			logging.FieldClientIP: c.RealIP(),
			"username":            req.Username,
		})
		return err
	}

	subject := token.Subject{
		UserID:     user.ID,
		TenantID:   user.TenantID,
		ClientID:   req.ClientID,
		DeviceID:   req.DeviceID,
		DeviceType: req.DeviceType,
		ClientIP:   c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	}

	enabled, err := s.deps.Registry.IsEnabled(ctx, user.ID)
	if err != nil {
		return err
	}
	if !enabled {
		pair, err := s.deps.Tokens.Issue(ctx, subject)
		if err != nil {
			return err
		}
		return s.ok(c, http.StatusOK, pair)
	}

	ch, err := s.challenges.create(subject)
	if err != nil {
		return auth.Wrap(auth.ErrInternal, err)
	}
	view := mfaChallengeView{ChallengeID: ch.ID, ExpiresAt: ch.ExpiresAt.UnixMilli()}
	if primary, err := s.deps.Registry.Primary(ctx, user.ID); err == nil {
		view.FactorID = primary.ID
		view.FactorType = primary.Type.String()
	}
	s.logger.Info("等待第二因素", map[string]interface{}{
		logging.FieldEvent:  "auth.login.mfa_required",
		logging.FieldUserID: user.ID,
	})
	return s.fail(c, auth.ErrMFARequired, view)
}

// verifyMFA 用登录挑战和验证码换取令牌
func (s *Server) verifyMFA(c echo.Context) error {
	var req verifyRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ch, ok := s.challenges.get(req.ChallengeID)
	if !ok {
		return errChallengeExpired
	}

	ctx := c.Request().Context()
	out, err := s.deps.Verifier.Verify(ctx, mfa.Attempt{
		UserID:     ch.Subject.UserID,
		FactorID:   req.FactorID,
		Credential: req.Code,
		ClientIP:   c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	})
	if err != nil {
		switch auth.KindOf(err) {
		case auth.KindFactorNotFound:
			// 不暴露因子是否存在
			return s.fail(c, auth.ErrMFAInvalidCode, nil)
		case auth.KindMFAInvalidCode, auth.KindMFALocked:
			if out == nil {
				return s.fail(c, err, nil)
			}
			return s.fail(c, err, attemptView{
				RemainingAttempts: out.RemainingAttempts,
				LockedUntil:       unixMillis(out.LockedUntil),
			})
		}
		return err
	}

	if _, ok = s.challenges.take(req.ChallengeID); !ok {
		return errChallengeExpired
	}
	pair, err := s.deps.Tokens.Issue(ctx, ch.Subject)
	if err != nil {
		return err
	}
	resp := verifyResponse{Tokens: pair}
	if out.FactorType == mfa.FactorBackupCode {
		n := out.BackupCodesRemaining
		resp.BackupCodesRemaining = &n
		resp.LowBackupCodes = out.LowBackupCodes
	}
	return s.ok(c, http.StatusOK, resp)
}

var errChallengeExpired = auth.NewError(auth.KindMFARequired, "login challenge expired, sign in again", nil)

// sendLoginChallenge 登录过程中给短信/邮件因子发送验证码
func (s *Server) sendLoginChallenge(c echo.Context) error {
	var req loginChallengeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ch, ok := s.challenges.get(req.ChallengeID)
	if !ok {
		return errChallengeExpired
	}
	ctx := c.Request().Context()
	factorID := req.FactorID
	if factorID == "" {
		primary, err := s.deps.Registry.Primary(ctx, ch.Subject.UserID)
		if err != nil {
			return err
		}
		factorID = primary.ID
	}
	res, err := s.deps.Registry.SendChallenge(ctx, ch.Subject.UserID, factorID)
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, newDispatchView(res))
}

func (s *Server) refresh(c echo.Context) error {
	var req refreshRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	pair, err := s.deps.Tokens.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, pair)
}

// revoke 撤销访问令牌或刷新令牌，重复撤销也返回成功
func (s *Server) revoke(c echo.Context) error {
	var req revokeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	reason := req.Reason
	if reason == "" {
		reason = token.ReasonLogout
	}
	if err := s.deps.Tokens.Revoke(c.Request().Context(), req.Token, reason); err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, nil)
}

func (s *Server) revokeAll(c echo.Context) error {
	p := principal(c)
	n, err := s.deps.Tokens.RevokeAllForUser(c.Request().Context(), p.UserID)
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, map[string]int{"revoked": n})
}

// listSessions 当前用户仍可刷新的会话
func (s *Server) listSessions(c echo.Context) error {
	p := principal(c)
	sessions, err := s.deps.Tokens.ListActive(c.Request().Context(), p.UserID)
	if err != nil {
		return err
	}
	out := make([]sessionView, 0, len(sessions))
	for _, ss := range sessions {
		out = append(out, sessionView{
			ID:               ss.ID,
			ClientID:         ss.ClientID,
			DeviceID:         ss.DeviceID,
			DeviceType:       ss.DeviceType,
			ClientIP:         ss.ClientIP,
			UserAgent:        ss.UserAgent,
			IssuedAt:         ss.IssuedAt.UnixMilli(),
			AccessExpiresAt:  ss.AccessExpiresAt.UnixMilli(),
			RefreshExpiresAt: ss.RefreshExpiresAt.UnixMilli(),
			Current:          ss.ID == p.TokenID,
		})
	}
	return s.ok(c, http.StatusOK, out)
}

func (s *Server) revokeDevice(c echo.Context) error {
	var req revokeDeviceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p := principal(c)
	n, err := s.deps.Tokens.RevokeDevice(c.Request().Context(), p.UserID, req.DeviceID)
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, map[string]int{"revoked": n})
}
