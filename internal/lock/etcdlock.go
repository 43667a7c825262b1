package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lvdashuaibi/rafflepool/config"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdLockPrefix = "/rafflepool/locks/"

// EtcdLock 基于租约的分布式锁
type EtcdLock struct {
	client *clientv3.Client
	logger *slog.Logger
	mu     sync.Mutex            // 保护locks
	locks  map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
}

func NewETCDLock(cfg config.ETCDConfig, logger *slog.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &EtcdLock{
		client: cli,
		logger: logger,
		locks:  make(map[string]*lockEntry),
	}, nil
}

// leaseSeconds etcd 租约以秒为单位，最少1秒
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// AcquireLock 键不存在时创建并绑定租约。租约到期未续即自动释放
func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.locks[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	key := etcdLockPrefix + lockName
	grantResp, err := el.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.revoke(grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}
	if !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		return false, nil
	}

	el.locks[lockName] = &lockEntry{leaseID: grantResp.ID, key: key}
	return true, nil
}

// RefreshLock 续约一次。租约已不存在时返回 false
func (el *EtcdLock) RefreshLock(ctx context.Context, lockName string, _ time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry, ok := el.locks[lockName]
	if !ok {
		return false, fmt.Errorf("未持有锁 %s", lockName)
	}

	if _, err := el.client.KeepAliveOnce(ctx, entry.leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			delete(el.locks, lockName)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(ctx, lockName)
}

func (el *EtcdLock) ReleaseAllLocks(ctx context.Context) {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.locks {
		if err := el.releaseLock(ctx, lockName); err != nil {
			el.logger.Warn("释放etcd锁失败", "lock", lockName, "error", err)
		}
	}
}

func (el *EtcdLock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	el.ReleaseAllLocks(ctx)
	return el.client.Close()
}

func (el *EtcdLock) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := el.client.Revoke(ctx, id); err != nil {
		el.logger.Warn("撤销租约失败", "lease", int64(id), "error", err)
	}
}

// 内部释放锁方法，调用方需持有 el.mu
func (el *EtcdLock) releaseLock(ctx context.Context, lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}
	delete(el.locks, lockName)

	if _, err := el.client.Delete(ctx, entry.key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}
	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}
