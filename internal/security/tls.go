package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultCertCheckInterval 证书文件变更的检查间隔
const DefaultCertCheckInterval = time.Minute

// TLSFiles 服务端证书配置
type TLSFiles struct {
	CertFile string
	KeyFile  string
	// ClientCAFile 非空时要求并校验客户端证书
	ClientCAFile string
	// MinVersion 默认 TLS 1.2
	MinVersion uint16
	// CheckInterval 证书轮转检查间隔
	CheckInterval time.Duration
}

// Enabled 是否配置了证书
func (f TLSFiles) Enabled() bool {
	return f.CertFile != "" || f.KeyFile != ""
}

// ServerConfig 构建服务端 tls.Config
// 证书文件被替换后在下一次握手时重新加载，不需要重启进程
func (f TLSFiles) ServerConfig() (*tls.Config, error) {
	if f.CertFile == "" || f.KeyFile == "" {
		return nil, errors.New("security: tls needs both cert and key file")
	}
	r := newCertReloader(f.CertFile, f.KeyFile, f.CheckInterval, time.Now)
	if err := r.load(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:     f.MinVersion,
		GetCertificate: r.GetCertificate,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if f.ClientCAFile != "" {
		pem, err := os.ReadFile(f.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("security: read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("security: client ca file has no certificates")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// certReloader 按修改时间检测证书文件变化
type certReloader struct {
	certFile string
	keyFile  string
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
	checked time.Time
}

func newCertReloader(certFile, keyFile string, interval time.Duration, now func() time.Time) *certReloader {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	return &certReloader{certFile: certFile, keyFile: keyFile, interval: interval, now: now}
}

func (r *certReloader) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked()
}

func (r *certReloader) reloadLocked() error {
	info, err := os.Stat(r.certFile)
	if err != nil {
		return fmt.Errorf("security: stat certificate: %w", err)
	}
	r.checked = r.now()
	if r.cert != nil && !info.ModTime().After(r.modTime) {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("security: load key pair: %w", err)
	}
	r.cert = &cert
	r.modTime = info.ModTime()
	return nil
}

// GetCertificate 实现 tls.Config.GetCertificate
// 重新加载失败时继续使用旧证书
func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.checked) >= r.interval {
		if err := r.reloadLocked(); err != nil && r.cert == nil {
			return nil, err
		}
	}
	return r.cert, nil
}
