package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/rafflepool/config"
)

var (
	// 只删除自己持有的锁
	unlockScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)

	// 只续期自己持有的锁
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

const retryDelay = 100 * time.Millisecond

// RedLock 基于多个独立Redis节点的Redlock实现
type RedLock struct {
	clients []*redis.Client
	addrs   []string
	retries int
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

// NewRedLock 按配置连接所有锁节点
func NewRedLock(ctx context.Context, cfg config.RedisConfig, retries int, logger *slog.Logger) (*RedLock, error) {
	addrs := cfg.LockAddresses
	if len(addrs) == 0 {
		addrs = []string{cfg.DataAddress}
	}

	var clients []*redis.Client
	for _, addr := range addrs {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
		clients = append(clients, client)
	}

	return NewRedLockWithClients(clients, addrs, retries, logger), nil
}

// NewRedLockWithClients 使用已建立的客户端
func NewRedLockWithClients(clients []*redis.Client, addrs []string, retries int, logger *slog.Logger) *RedLock {
	if retries <= 0 {
		retries = 1
	}
	return &RedLock{
		clients: clients,
		addrs:   addrs,
		retries: retries,
		logger:  logger,
		locks:   make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock 在多数节点 SETNX 成功且仍在有效期内才算获取成功
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		start := time.Now()
		success := 0
		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, lockName, token, ttl).Result()
			if err != nil {
				r.logger.Warn("锁节点获取锁失败", "node", r.addrs[i], "lock", lockName, "error", err)
				continue
			}
			if ok {
				success++
			}
		}

		validity := ttl - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			r.mu.Lock()
			r.locks[lockName] = token
			r.mu.Unlock()
			r.logger.Debug("获取锁成功", "lock", lockName)
			return true, nil
		}

		r.unlockAll(ctx, lockName, token)
	}

	return false, nil
}

// RefreshLock 多数节点续期失败时视为锁已丢失
func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	r.mu.Unlock()
	if !exists {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	success := 0
	for i, client := range r.clients {
		n, err := refreshScript.Run(ctx, client, []string{lockName}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			r.logger.Warn("锁节点刷新锁失败", "node", r.addrs[i], "lock", lockName, "error", err)
			continue
		}
		if n == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, lockName)
	r.mu.Unlock()
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(ctx, lockName, token)
	r.logger.Debug("释放锁成功", "lock", lockName)
	return nil
}

func (r *RedLock) unlockAll(ctx context.Context, lockName, token string) {
	for i, client := range r.clients {
		if err := unlockScript.Run(ctx, client, []string{lockName}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("锁节点释放锁失败", "node", r.addrs[i], "lock", lockName, "error", err)
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks(ctx context.Context) {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		r.unlockAll(ctx, name, token)
	}
}

// Close 释放持有的锁并关闭所有Redis客户端
func (r *RedLock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.ReleaseAllLocks(ctx)

	var errs []error
	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("生成锁令牌失败: %w", err)
	}
	return hex.EncodeToString(b), nil
}
