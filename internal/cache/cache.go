package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Cache 本地键值缓存，值可能过期或与存储不一致，不能作为唯一性依据
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// 缓存键
const (
	KeyActiveLicense = "license:active"
	KeyLicenseLedger = "license:ledger"
)

// SequenceHintKey 某租户某年的“下一个编号”提示
func SequenceHintKey(tenantID, yearPrefix string) string {
	return fmt.Sprintf("registration:next:%s:%s", strings.TrimSpace(tenantID), yearPrefix)
}

// StagedCandidateKey 已分配但尚未保存的候选编号
func StagedCandidateKey(tenantID string) string {
	return fmt.Sprintf("registration:staged:%s", strings.TrimSpace(tenantID))
}

// MemoryCache 进程内缓存
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[string]string)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
