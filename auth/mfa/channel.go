package mfa

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/dispatch"
	"github.com/dormoron/idguard/internal/errs"
	"github.com/dormoron/idguard/internal/security"
	"github.com/dormoron/idguard/observability/logging"
	"github.com/dormoron/idguard/observability/metrics"
)

// Channel 一次性验证码投递渠道
type Channel uint8

const (
	ChannelSMS Channel = iota + 1
	ChannelEmail
)

func (c Channel) String() string {
	switch c {
	case ChannelSMS:
		return dispatch.ChannelSMS
	case ChannelEmail:
		return dispatch.ChannelEmail
	}
	return fmt.Sprintf("Channel(%d)", uint8(c))
}

const (
	// DefaultCodeTTL 验证码有效期
	DefaultCodeTTL = 5 * time.Minute
	// DefaultDispatchTimeout 调用外发网关的超时
	DefaultDispatchTimeout = 5 * time.Second
	// DefaultCodeLength 验证码位数
	DefaultCodeLength = 6
	// DefaultCodeKeyPrefix 验证码键前缀
	DefaultCodeKeyPrefix = "mfa:"
)

// ChannelConfig 渠道验证码配置
type ChannelConfig struct {
	TTL             time.Duration
	DispatchTimeout time.Duration
	CodeLength      int
	KeyPrefix       string
	// AppName 出现在短信和邮件正文里
	AppName string
}

// DispatchResult 一次投递的结果
type DispatchResult struct {
	DeliveryID string
	Channel    Channel
	// Destination 脱敏后的投递地址
	Destination string
	ExpiresAt   time.Time
}

// ChannelDispatcher 生成并校验短信/邮件一次性验证码
type ChannelDispatcher struct {
	store   CodeStore
	gateway dispatch.Gateway
	cfg     ChannelConfig
	logger  logging.Logger
	metrics *metrics.AuthMetrics
	now     func() time.Time
}

// NewChannelDispatcher 创建渠道验证码分发器
func NewChannelDispatcher(store CodeStore, gateway dispatch.Gateway, cfg ChannelConfig,
	logger logging.Logger, m *metrics.AuthMetrics, now func() time.Time) *ChannelDispatcher {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCodeTTL
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultCodeKeyPrefix
	}
	if cfg.AppName == "" {
		cfg.AppName = "idguard"
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &ChannelDispatcher{store: store, gateway: gateway, cfg: cfg, logger: logger, metrics: m, now: now}
}

// Send 生成验证码并投递，失败时不重试，已保存的验证码随之作废
func (d *ChannelDispatcher) Send(ctx context.Context, userID string, channel Channel, destination string) (*DispatchResult, error) {
	if destination == "" {
		return nil, auth.Validation("missing %s destination", channel)
	}
	code, err := security.RandomDigits(d.cfg.CodeLength)
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	key := d.key(userID, channel)
	expiresAt := d.now().Add(d.cfg.TTL)
	value, err := json.Marshal(pendingCode{Code: code, Target: targetDigest(destination), ExpiresAt: expiresAt.UnixMilli()})
	if err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}
	if err = d.store.Put(ctx, key, string(value), d.cfg.TTL); err != nil {
		return nil, auth.Wrap(auth.ErrInternal, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()
	deliveryID, err := d.gateway.Send(sendCtx, d.message(channel, destination, code))
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			err = errs.ErrDispatchTimeout(channel.String())
		} else {
			err = errs.ErrDispatch(channel.String(), err)
		}
		// 投递失败的验证码不能再被使用
		if _, _, takeErr := d.store.Take(context.WithoutCancel(ctx), key); takeErr != nil {
			d.logger.Warn("作废未投递的验证码失败", map[string]interface{}{
				logging.FieldUserID: userID,
				logging.FieldError:  takeErr,
			})
		}
		d.observe(channel, "failure")
		d.logger.Warn("验证码投递失败", map[string]interface{}{
			logging.FieldUserID: userID,
			"channel":           channel.String(),
			logging.FieldError:  err,
		})
		return nil, auth.Wrap(auth.ErrDispatchFailure, err)
	}

	d.observe(channel, "success")
	return &DispatchResult{
		DeliveryID:  deliveryID,
		Channel:     channel,
		Destination: MaskDestination(destination),
		ExpiresAt:   expiresAt,
	}, nil
}

// pendingCode 存储中的验证码，绑定到投递地址
type pendingCode struct {
	Code string `json:"code"`
	// Target 投递地址的摘要
	Target    string `json:"target"`
	ExpiresAt int64  `json:"exp"`
}

// CodeClaim 从存储中取出的验证码，尝试没有提交时可以归还
type CodeClaim struct {
	key       string
	value     string
	expiresAt time.Time
}

// Verify 校验发往 destination 的验证码，无论成功与否验证码都会被删除
func (d *ChannelDispatcher) Verify(ctx context.Context, userID string, channel Channel, destination, code string) (bool, error) {
	ok, _, err := d.Claim(ctx, userID, channel, destination, code)
	return ok, err
}

// Claim 与 Verify 相同，同时返回取出的验证码，没有待校验的验证码时 claim 为 nil
// 发往其他地址的验证码不能证明 destination
func (d *ChannelDispatcher) Claim(ctx context.Context, userID string, channel Channel, destination, code string) (bool, *CodeClaim, error) {
	key := d.key(userID, channel)
	stored, ok, err := d.store.Take(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	var pending pendingCode
	if err = json.Unmarshal([]byte(stored), &pending); err != nil {
		d.logger.Warn("验证码格式错误", map[string]interface{}{
			logging.FieldUserID: userID,
			logging.FieldError:  err,
		})
		return false, nil, nil
	}
	claim := &CodeClaim{key: key, value: stored, expiresAt: time.UnixMilli(pending.ExpiresAt)}
	target := subtle.ConstantTimeCompare([]byte(pending.Target), []byte(targetDigest(destination)))
	match := subtle.ConstantTimeCompare([]byte(pending.Code), []byte(strings.TrimSpace(code)))
	return target&match == 1, claim, nil
}

// Restore 归还取出的验证码，期间已发送新验证码或原验证码已过期时不做任何事
func (d *ChannelDispatcher) Restore(ctx context.Context, c *CodeClaim) error {
	if c == nil {
		return nil
	}
	ttl := c.expiresAt.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	_, err := d.store.PutIfAbsent(ctx, c.key, c.value, ttl)
	return err
}

func targetDigest(destination string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(destination))))
	return hex.EncodeToString(sum[:])
}

func (d *ChannelDispatcher) key(userID string, channel Channel) string {
	return d.cfg.KeyPrefix + channel.String() + ":" + userID
}

func (d *ChannelDispatcher) message(channel Channel, destination, code string) dispatch.Message {
	minutes := int(d.cfg.TTL / time.Minute)
	return dispatch.Message{
		Channel:     channel.String(),
		Destination: destination,
		Subject:     d.cfg.AppName + " verification code",
		Body:        fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes.", d.cfg.AppName, code, minutes),
	}
}

func (d *ChannelDispatcher) observe(channel Channel, outcome string) {
	if d.metrics != nil {
		d.metrics.IncDispatch(channel.String(), outcome)
	}
}

// MaskDestination 对手机号和邮箱做脱敏
func MaskDestination(dest string) string {
	if at := strings.IndexByte(dest, '@'); at > 0 {
		return dest[:1] + "***" + dest[at:]
	}
	if len(dest) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
}
