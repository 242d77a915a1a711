package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dormoron/idguard/internal/errs"
)

// 定义可能的错误
var (
	ErrInvalidKey        = errors.New("无效的加密密钥")
	ErrInvalidCiphertext = errors.New("无效的密文格式")
)

// sealedPrefix 标记密文格式版本
const sealedPrefix = "v1:"

// Sealer 对因子密钥等敏感材料做静态加密
type Sealer interface {
	// Seal 加密明文
	Seal(plaintext string) (string, error)
	// Open 解密密文
	Open(sealed string) (string, error)
}

// XChaChaSealer 使用XChaCha20-Poly1305实现的加密器
type XChaChaSealer struct {
	key []byte
	// aad 绑定用途，防止密文在不同字段之间挪用
	aad []byte
}

// NewSealer 从主密钥派生加密密钥，purpose 用于区分不同字段
func NewSealer(masterKey []byte, purpose string) (*XChaChaSealer, error) {
	key, err := DeriveKey(masterKey, "seal:"+purpose, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return &XChaChaSealer{key: key, aad: []byte(purpose)}, nil
}

// Seal 加密明文，输出 v1:base64(nonce|ciphertext)
func (s *XChaChaSealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errs.ErrSeal(err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errs.ErrSeal(err)
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), s.aad)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open 解密密文
func (s *XChaChaSealer) Open(sealed string) (string, error) {
	if len(sealed) <= len(sealedPrefix) || sealed[:len(sealedPrefix)] != sealedPrefix {
		return "", errs.ErrUnseal(ErrInvalidCiphertext)
	}
	raw, err := base64.RawStdEncoding.DecodeString(sealed[len(sealedPrefix):])
	if err != nil {
		return "", errs.ErrUnseal(ErrInvalidCiphertext)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errs.ErrUnseal(err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errs.ErrUnseal(ErrInvalidCiphertext)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, s.aad)
	if err != nil {
		return "", errs.ErrUnseal(err)
	}
	return string(plaintext), nil
}

// DeriveKey 使用HKDF-SHA256从主密钥派生子密钥
func DeriveKey(masterKey []byte, info string, size int) ([]byte, error) {
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}
	key := make([]byte, size)
	r := hkdf.New(sha256.New, masterKey, nil, []byte("idguard:"+info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
