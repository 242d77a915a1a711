package mfa

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// DefaultPeriod 默认时间步长（秒）
	DefaultPeriod = 30
	// DefaultWindow 默认容忍前后各一个时间步
	DefaultWindow = 1
	// DefaultSecretSize 默认密钥字节数（160位）
	DefaultSecretSize = 20
	// DefaultQRSize 二维码默认边长（像素）
	DefaultQRSize = 256
)

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPConfig TOTP配置
type TOTPConfig struct {
	// Issuer 颁发者，显示在认证器App中
	Issuer string
	// Period 时间步长（秒）
	Period uint
	// Digits OTP位数
	Digits otp.Digits
	// Algorithm 算法
	Algorithm otp.Algorithm
	// SecretSize 生成密钥的字节数
	SecretSize int
}

// DefaultTOTPConfig 默认TOTP配置
func DefaultTOTPConfig(issuer string) TOTPConfig {
	return TOTPConfig{
		Issuer:     issuer,
		Period:     DefaultPeriod,
		Digits:     otp.DigitsSix,
		Algorithm:  otp.AlgorithmSHA1,
		SecretSize: DefaultSecretSize,
	}
}

// TOTP 基于时间的一次性密码引擎，无状态
type TOTP struct {
	cfg TOTPConfig
}

// NewTOTP 创建TOTP引擎
func NewTOTP(cfg TOTPConfig) *TOTP {
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Digits == 0 {
		cfg.Digits = otp.DigitsSix
	}
	if cfg.SecretSize <= 0 {
		cfg.SecretSize = DefaultSecretSize
	}
	return &TOTP{cfg: cfg}
}

// GenerateSecret 生成Base32编码（无填充）的随机密钥
func (t *TOTP) GenerateSecret() (string, error) {
	secret := make([]byte, t.cfg.SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("生成随机密钥失败: %w", err)
	}
	return b32NoPadding.EncodeToString(secret), nil
}

// CurrentCode 计算 at 所在时间步的验证码
func (t *TOTP) CurrentCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(normalizeSecret(secret), at, t.validateOpts())
}

// Verify 在 at 前后 window 个时间步内查找匹配的验证码
// 密钥或验证码格式错误时返回false
func (t *TOTP) Verify(secret, code string, at time.Time, window int) bool {
	if window < 0 {
		window = 0
	}
	code = strings.TrimSpace(code)
	if len(code) != t.cfg.Digits.Length() {
		return false
	}
	secret = normalizeSecret(secret)
	if secret == "" {
		return false
	}

	step := time.Duration(t.cfg.Period) * time.Second
	matched := 0
	for i := -window; i <= window; i++ {
		expected, err := totp.GenerateCodeCustom(secret, at.Add(time.Duration(i)*step), t.validateOpts())
		if err != nil {
			return false
		}
		matched |= subtle.ConstantTimeCompare([]byte(expected), []byte(code))
	}
	return matched == 1
}

// ProvisioningURI 生成 otpauth:// URI，供认证器App扫码
func (t *TOTP) ProvisioningURI(secret, accountName string) (string, error) {
	key, err := t.key(secret, accountName)
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// QRCode 把 otpauth:// URI 渲染成 size×size 的PNG
func (t *TOTP) QRCode(secret, accountName string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	key, err := t.key(secret, accountName)
	if err != nil {
		return nil, err
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("生成二维码失败: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("编码二维码失败: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *TOTP) key(secret, accountName string) (*otp.Key, error) {
	raw, err := b32NoPadding.DecodeString(normalizeSecret(secret))
	if err != nil {
		return nil, fmt.Errorf("解码密钥失败: %w", err)
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      t.cfg.Issuer,
		AccountName: accountName,
		Period:      t.cfg.Period,
		Secret:      raw,
		Digits:      t.cfg.Digits,
		Algorithm:   t.cfg.Algorithm,
	})
}

// RemainingSeconds 当前时间步剩余秒数
func (t *TOTP) RemainingSeconds(at time.Time) int {
	period := int64(t.cfg.Period)
	return int(period - at.Unix()%period)
}

func (t *TOTP) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    t.cfg.Period,
		Digits:    t.cfg.Digits,
		Algorithm: t.cfg.Algorithm,
	}
}

// normalizeSecret 去掉空格和填充并转为大写
func normalizeSecret(secret string) string {
	secret = strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	return strings.TrimRight(secret, "=")
}
