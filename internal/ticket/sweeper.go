package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lvdashuaibi/rafflepool/internal/model"
)

// SweeperLockName 周期回收的选主锁
const SweeperLockName = "rafflepool:sweeper:leader"

// Leader 选主所需的锁操作
type Leader interface {
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockName string) error
}

// Released 一次回收的结果
type Released struct {
	RaffleID int64
	Numbers  []int
}

// Sweeper 把过期预留退回可用池
//
// 回收与确认购买走同一个条件迁移，同一张票号只有一方能成功，重复回收不会产生副作用。
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	now      Clock
	logger   *slog.Logger

	leader   Leader
	isLeader bool
	// LeaderTTL 选主锁有效期，为0时取两个回收周期
	LeaderTTL time.Duration
	// OnRelease 每次成功回收后回调，可为空
	OnRelease func(ctx context.Context, released Released, forced bool)
}

func NewSweeper(store Store, ttl, interval time.Duration, now Clock, leader Leader, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		now:      now,
		leader:   leader,
		logger:   logger,
	}
}

// ReleaseExpired 回收某个抽奖中所有 reserved_at <= now-ttl 的票号
func (s *Sweeper) ReleaseExpired(ctx context.Context, raffleID int64) ([]int, error) {
	cutoff := s.now().Add(-s.ttl)
	numbers, err := s.store.ListReserved(ctx, raffleID, cutoff)
	if err != nil {
		return nil, err
	}
	released, err := s.release(ctx, raffleID, numbers, cutoff)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, raffleID, released, false)
	return released, nil
}

// ReleaseAllExpired 回收所有抽奖的过期预留，返回回收总数
func (s *Sweeper) ReleaseAllExpired(ctx context.Context) (int, error) {
	raffleIDs, err := s.store.ListRafflesWithReservations(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, id := range raffleIDs {
		released, err := s.ReleaseExpired(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("抽奖 %d: %w", id, err))
			continue
		}
		total += len(released)
	}
	return total, errors.Join(errs...)
}

// ForceReleaseAll 不论是否过期，回收某个抽奖的全部预留
func (s *Sweeper) ForceReleaseAll(ctx context.Context, raffleID int64) ([]int, error) {
	numbers, err := s.store.ListReserved(ctx, raffleID, time.Time{})
	if err != nil {
		return nil, err
	}
	released, err := s.release(ctx, raffleID, numbers, time.Time{})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, raffleID, released, true)
	return released, nil
}

// release 批量条件迁移 reserved → available。
// 列出之后被确认购买的票号会导致整体冲突，剔除后重试
func (s *Sweeper) release(ctx context.Context, raffleID int64, numbers []int, cutoff time.Time) ([]int, error) {
	pending := numbers
	for len(pending) > 0 {
		err := s.store.CompareAndTransition(ctx, model.Transition{
			RaffleID:       raffleID,
			Numbers:        pending,
			From:           model.TicketReserved,
			To:             model.TicketAvailable,
			ReservedBefore: cutoff,
		})
		if err == nil {
			return pending, nil
		}
		var conflict *model.ConflictError
		if !errors.As(err, &conflict) || len(conflict.Taken) == 0 {
			return nil, err
		}
		pending = without(pending, conflict.Taken)
	}
	return nil, nil
}

func (s *Sweeper) notify(ctx context.Context, raffleID int64, numbers []int, forced bool) {
	if len(numbers) == 0 {
		return
	}
	s.logger.Info("预留票号已回收", "raffle_id", raffleID, "count", len(numbers), "forced", forced)
	if s.OnRelease != nil {
		s.OnRelease(ctx, Released{RaffleID: raffleID, Numbers: sortedCopy(numbers)}, forced)
	}
}

// Run 按 interval 周期回收，直到 ctx 取消。多实例部署时只有持有选主锁的实例执行
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("未配置回收周期，周期回收关闭")
		return
	}
	s.logger.Info("过期预留回收已启动", "interval", s.interval, "ttl", s.ttl)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.resign()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("过期预留回收已停止")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("过期预留回收失败", "error", err)
			}
		}
	}
}

// SweepOnce 执行一轮回收。未能成为 leader 时返回 0
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	leading, err := s.lead(ctx)
	if err != nil {
		return 0, err
	}
	if !leading {
		return 0, nil
	}
	return s.ReleaseAllExpired(ctx)
}

// lead 持锁时续期，否则尝试获取
func (s *Sweeper) lead(ctx context.Context) (bool, error) {
	if s.leader == nil {
		return true, nil
	}
	ttl := s.LeaderTTL
	if ttl <= 0 {
		ttl = 2 * s.interval
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	if s.isLeader {
		ok, err := s.leader.RefreshLock(ctx, SweeperLockName, ttl)
		if err == nil && ok {
			return true, nil
		}
		s.isLeader = false
		s.logger.Warn("回收选主锁续期失败", "error", err)
	}

	ok, err := s.leader.AcquireLock(ctx, SweeperLockName, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("成为过期预留回收 leader")
	}
	s.isLeader = ok
	return ok, nil
}

func (s *Sweeper) resign() {
	if s.leader == nil || !s.isLeader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leader.ReleaseLock(ctx, SweeperLockName); err != nil {
		s.logger.Warn("释放回收选主锁失败", "error", err)
	}
	s.isLeader = false
}

func without(numbers, taken []int) []int {
	drop := make(map[int]struct{}, len(taken))
	for _, n := range taken {
		drop[n] = struct{}{}
	}
	out := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := drop[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
