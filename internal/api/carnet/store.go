package carnet

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenStore 按 tokenSetID 管理凭证组
// TokenSet 归 store 独占所有，调用方每次按 id 重新获取，不跨调用持有引用
type TokenStore struct {
	logger *zap.Logger

	mu   sync.Mutex
	sets map[string]*TokenSet
}

// NewTokenStore 创建 TokenStore
func NewTokenStore(logger *zap.Logger) *TokenStore {
	return &TokenStore{
		logger: logger,
		sets:   make(map[string]*TokenSet),
	}
}

// CreateTokenSet 若 id 不存在则插入一个空的凭证组
// 返回是否为新建（false 表示已存在，本次为空操作）
func (s *TokenStore) CreateTokenSet(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sets[id]; ok {
		return false
	}
	s.sets[id] = &TokenSet{}
	s.logger.Debug("Created token set", zap.String("token_set_id", id))
	return true
}

// GenerateTokenSetID 生成随机 id 并建立对应的凭证组
// 返回的 id 交给共享凭证的账号及所有车辆对象
func (s *TokenStore) GenerateTokenSetID() string {
	id := uuid.NewString()
	s.CreateTokenSet(id)
	return id
}

// Get 按 id 查找凭证组；调用方必须先创建再查找
func (s *TokenStore) Get(id string) (*TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[id]
	if !ok {
		return nil, invalidArgument("unknown token set id %q", id)
	}
	return set, nil
}

// Replace 原子替换凭证组，并发读取方不会看到新旧混合的状态
func (s *TokenStore) Replace(id string, set *TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sets[id]; !ok {
		return invalidArgument("unknown token set id %q", id)
	}
	delete(s.sets, id)
	s.sets[id] = set
	return nil
}

// SecurityTokenCache 按服务缓存的提权令牌列表
// 每个特权操作（开锁、空调、充电）可能需要独立获取、独立过期的短时凭证
type SecurityTokenCache struct {
	mu     sync.Mutex
	tokens []Token
}

// Add 加入令牌，同一服务只保留最新一个
func (c *SecurityTokenCache) Add(tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tokens {
		if c.tokens[i].Service == tok.Service {
			c.tokens[i] = tok
			return
		}
	}
	c.tokens = append(c.tokens, tok)
}

// Get 返回该服务当前可用且未过期的令牌
func (c *SecurityTokenCache) Get(service string) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tokens {
		if c.tokens[i].Service == service && c.tokens[i].IsValid() && !c.tokens[i].IsExpired() {
			return c.tokens[i], true
		}
	}
	return Token{}, false
}

// Remove 移除该服务的缓存令牌
func (c *SecurityTokenCache) Remove(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tokens {
		if c.tokens[i].Service == service {
			c.tokens = append(c.tokens[:i], c.tokens[i+1:]...)
			return
		}
	}
}

// Snapshot 返回当前令牌的副本，刷新遍历期间允许并发删除
func (c *SecurityTokenCache) Snapshot() []Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Token, len(c.tokens))
	copy(out, c.tokens)
	return out
}

// Size 当前缓存的令牌数量
func (c *SecurityTokenCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}
