package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// InMemoryDirectory 基于内存的用户目录，密码使用bcrypt存储
type InMemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]*User
	// dummyHash 用于用户名不存在时仍然执行一次bcrypt比较
	dummyHash []byte
}

// NewInMemoryDirectory 创建内存用户目录
func NewInMemoryDirectory() *InMemoryDirectory {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("idguard-dummy-password"), bcrypt.MinCost)
	return &InMemoryDirectory{
		byID:       make(map[string]*User),
		byUsername: make(map[string]*User),
		dummyHash:  dummy,
	}
}

// AddUser 添加用户并对密码做bcrypt哈希
func (d *InMemoryDirectory) AddUser(user User, password string, cost int) error {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	return d.AddHashedUser(user)
}

// AddHashedUser 添加已经带有bcrypt哈希的用户
func (d *InMemoryDirectory) AddHashedUser(user User) error {
	if user.ID == "" || user.Username == "" {
		return errors.New("auth: user id and username are required")
	}
	if _, err := bcrypt.Cost(user.PasswordHash); err != nil {
		return fmt.Errorf("auth: user %s: %w", user.Username, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	u := user
	d.byID[u.ID] = &u
	d.byUsername[strings.ToLower(u.Username)] = &u
	return nil
}

// FindByUsername 按用户名查找
func (d *InMemoryDirectory) FindByUsername(_ context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	cp := *u
	return &cp, nil
}

// FindByID 按ID查找
func (d *InMemoryDirectory) FindByID(_ context.Context, userID string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[userID]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	cp := *u
	return &cp, nil
}

// VerifyPassword 校验密码
func (d *InMemoryDirectory) VerifyPassword(ctx context.Context, username, password string) (*User, error) {
	u, err := d.FindByUsername(ctx, username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(d.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if u.Disabled {
		return nil, ErrInvalidCredentials
	}
	if err = bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
