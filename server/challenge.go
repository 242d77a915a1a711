package server

import (
	"errors"
	"sync"
	"time"

	"github.com/bluele/gcache"

	"github.com/dormoron/idguard/auth/token"
	"github.com/dormoron/idguard/internal/security"
)

// DefaultChallengeTTL 登录挑战的有效期
const DefaultChallengeTTL = 5 * time.Minute

// loginChallenge 密码校验通过、等待第二因素的登录
type loginChallenge struct {
	ID        string
	Subject   token.Subject
	ExpiresAt time.Time
}

// challengeStore 进程内的登录挑战存储
// 验证成功后挑战被取走，同一挑战不能换取两次令牌
type challengeStore struct {
	mu    sync.Mutex
	cache gcache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func newChallengeStore(size int, ttl time.Duration, now func() time.Time) *challengeStore {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &challengeStore{
		cache: gcache.New(size).LRU().Build(),
		ttl:   ttl,
		now:   now,
	}
}

func (s *challengeStore) create(subject token.Subject) (*loginChallenge, error) {
	id, err := security.RandomToken(24)
	if err != nil {
		return nil, err
	}
	ch := &loginChallenge{ID: id, Subject: subject, ExpiresAt: s.now().Add(s.ttl)}
	if err = s.cache.SetWithExpire(id, ch, s.ttl); err != nil {
		return nil, err
	}
	return ch, nil
}

// get 读取挑战，过期或不存在时返回 false
func (s *challengeStore) get(id string) (*loginChallenge, bool) {
	v, err := s.cache.Get(id)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, false
	}
	ch, ok := v.(*loginChallenge)
	if !ok || !s.now().Before(ch.ExpiresAt) {
		return nil, false
	}
	return ch, true
}

// take 取走挑战，并发调用只有一个成功
func (s *challengeStore) take(id string) (*loginChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.get(id)
	if !ok {
		return nil, false
	}
	s.cache.Remove(id)
	return ch, true
}
