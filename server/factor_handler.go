package server

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/auth/mfa"
)

type factorView struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	Destination    string `json:"destination,omitempty"`
	Primary        bool   `json:"primary"`
	Status         string `json:"status"`
	FailedAttempts int    `json:"failedAttempts"`
	LockedUntil    int64  `json:"lockedUntil,omitempty"`
	LastUsedAt     int64  `json:"lastUsedAt,omitempty"`
	VerifyCount    int64  `json:"verifyCount"`
	CreatedAt      int64  `json:"createdAt"`
}

func newFactorView(f *mfa.Factor) factorView {
	v := factorView{
		ID:             f.ID,
		Type:           f.Type.String(),
		Name:           f.Name,
		Primary:        f.Primary,
		Status:         f.Status.String(),
		FailedAttempts: f.FailedAttempts,
		LockedUntil:    unixMillis(f.LockedUntil),
		LastUsedAt:     unixMillis(f.LastUsedAt),
		VerifyCount:    f.VerifyCount,
		CreatedAt:      unixMillis(f.CreatedAt),
	}
	if f.Destination != "" {
		v.Destination = mfa.MaskDestination(f.Destination)
	}
	return v
}

type enrollmentView struct {
	Factor           factorView `json:"factor"`
	Secret           string     `json:"secret,omitempty"`
	ProvisioningURI  string     `json:"provisioningUri,omitempty"`
	QRCode           string     `json:"qrCode,omitempty"`
	RemainingSeconds int        `json:"remainingSeconds,omitempty"`
	BackupCodes      []string   `json:"backupCodes,omitempty"`
}

type activationView struct {
	Factor      factorView `json:"factor"`
	BackupCodes []string   `json:"backupCodes,omitempty"`
}

type dispatchView struct {
	DeliveryID  string `json:"deliveryId"`
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	ExpiresAt   int64  `json:"expiresAt"`
}

func newDispatchView(r *mfa.DispatchResult) dispatchView {
	return dispatchView{
		DeliveryID:  r.DeliveryID,
		Channel:     r.Channel.String(),
		Destination: r.Destination,
		ExpiresAt:   unixMillis(r.ExpiresAt),
	}
}

type registerFactorRequest struct {
	Type        string `json:"type" validate:"required,factortype"`
	Name        string `json:"name" validate:"max=64"`
	Destination string `json:"destination" validate:"max=254"`
	AccountName string `json:"accountName" validate:"max=128"`
}

type activateFactorRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

func (s *Server) listFactors(c echo.Context) error {
	factors, err := s.deps.Registry.List(c.Request().Context(), principal(c).UserID)
	if err != nil {
		return err
	}
	views := make([]factorView, 0, len(factors))
	for _, f := range factors {
		views = append(views, newFactorView(f))
	}
	return s.ok(c, http.StatusOK, views)
}

func (s *Server) registerFactor(c echo.Context) error {
	var req registerFactorRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	typ, err := mfa.ParseFactorType(req.Type)
	if err != nil {
		return auth.Validation("unknown factor type")
	}
	e, err := s.deps.Registry.Register(c.Request().Context(), principal(c).UserID, typ, mfa.RegisterParams{
		Name:        req.Name,
		Destination: req.Destination,
		AccountName: req.AccountName,
	})
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusCreated, enrollmentView{
		Factor:           newFactorView(e.Factor),
		Secret:           e.Secret,
		ProvisioningURI:  e.ProvisioningURI,
		QRCode:           qrDataURI(e.QRCode),
		RemainingSeconds: e.RemainingSeconds,
		BackupCodes:      e.BackupCodes,
	})
}

func (s *Server) activateFactor(c echo.Context) error {
	var req activateFactorRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	act, err := s.deps.Registry.Activate(c.Request().Context(), principal(c).UserID, c.Param("id"), req.Code)
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, activationView{Factor: newFactorView(act.Factor), BackupCodes: act.BackupCodes})
}

func (s *Server) disableFactor(c echo.Context) error {
	f, err := s.deps.Registry.Disable(c.Request().Context(), principal(c).UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, newFactorView(f))
}

func (s *Server) setPrimary(c echo.Context) error {
	if err := s.deps.Registry.SetPrimary(c.Request().Context(), principal(c).UserID, c.Param("id")); err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, nil)
}

func (s *Server) sendFactorCode(c echo.Context) error {
	res, err := s.deps.Registry.SendChallenge(c.Request().Context(), principal(c).UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, newDispatchView(res))
}

func (s *Server) backupCodesRemaining(c echo.Context) error {
	n, err := s.deps.Registry.BackupCodesRemaining(c.Request().Context(), principal(c).UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, map[string]int{"remaining": n})
}

func (s *Server) regenerateBackupCodes(c echo.Context) error {
	codes, err := s.deps.Registry.RegenerateBackupCodes(c.Request().Context(), principal(c).UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, map[string][]string{"codes": codes})
}

func (s *Server) deleteFactor(c echo.Context) error {
	if err := s.deps.Registry.Delete(c.Request().Context(), principal(c).UserID, c.Param("id")); err != nil {
		return err
	}
	return s.ok(c, http.StatusOK, nil)
}

type logQueryRequest struct {
	FactorID string `json:"factorId" query:"factorId" validate:"max=64"`
	ClientIP string `json:"clientIp" query:"clientIp" validate:"omitempty,ip"`
	Result   string `json:"result" query:"result" validate:"omitempty,oneof=SUCCESS FAILURE"`
	// Since/Until 毫秒时间戳，区间左闭右开
	Since int64 `json:"since" query:"since" validate:"gte=0"`
	Until int64 `json:"until" query:"until" validate:"gte=0"`
	Limit int   `json:"limit" query:"limit" validate:"gte=0,lte=200"`
}

type logView struct {
	ID            string `json:"id"`
	FactorID      string `json:"factorId,omitempty"`
	FactorType    string `json:"factorType,omitempty"`
	Result        string `json:"result"`
	FailureReason string `json:"failureReason,omitempty"`
	ClientIP      string `json:"clientIp,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

func newLogView(l *mfa.VerificationLog) logView {
	v := logView{
		ID:            l.ID,
		FactorID:      l.FactorID,
		Result:        l.Result.String(),
		FailureReason: l.FailureReason,
		ClientIP:      l.ClientIP,
		UserAgent:     l.UserAgent,
		CreatedAt:     unixMillis(l.CreatedAt),
	}
	if l.FactorType != 0 {
		v.FactorType = l.FactorType.String()
	}
	return v
}

func (s *Server) listLogs(c echo.Context) error {
	var req logQueryRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	q := mfa.LogQuery{FactorID: req.FactorID, ClientIP: req.ClientIP, Limit: req.Limit}
	if req.Result != "" {
		r, err := mfa.ParseResult(req.Result)
		if err != nil {
			return auth.Validation("unknown result")
		}
		q.Result = r
	}
	if req.Since > 0 {
		q.Since = time.UnixMilli(req.Since)
	}
	if req.Until > 0 {
		q.Until = time.UnixMilli(req.Until)
	}
	logs, err := s.deps.Registry.Logs(c.Request().Context(), principal(c).UserID, q)
	if err != nil {
		return err
	}
	views := make([]logView, 0, len(logs))
	for _, l := range logs {
		views = append(views, newLogView(l))
	}
	return s.ok(c, http.StatusOK, views)
}

// qrDataURI 二维码PNG转成可直接放进 <img src> 的data URI
func qrDataURI(png []byte) string {
	if len(png) == 0 {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
