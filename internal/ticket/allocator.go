package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/lvdashuaibi/rafflepool/internal/model"
)

const DefaultMaxAttempts = 5

// Allocator 从可用票号中随机抽取并原子迁移
//
// 抽样与迁移不是一步完成的: 每次从当前可用集合无放回随机抽取 k 个，
// 再交给 CompareAndTransition 整体迁移。并发调用方抢走其中任意一个时整体失败，
// 重新抽样，最多 maxAttempts 次。
type Allocator struct {
	store       Store
	maxAttempts int
	now         Clock
	logger      *slog.Logger
	intN        func(n int) int
}

func NewAllocator(store Store, maxAttempts int, now Clock, logger *slog.Logger) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Allocator{
		store:       store,
		maxAttempts: maxAttempts,
		now:         now,
		logger:      logger,
		intN:        rand.IntN,
	}
}

// Reserve 随机预留 quantity 张票号，返回升序票号与预留时间
func (a *Allocator) Reserve(ctx context.Context, raffle *model.Raffle, quantity int) ([]int, error) {
	at := a.now()
	return a.allocate(ctx, raffle, quantity, func(numbers []int) model.Transition {
		return model.Transition{
			RaffleID: raffle.ID,
			Numbers:  numbers,
			From:     model.TicketAvailable,
			To:       model.TicketReserved,
			At:       at,
		}
	})
}

// Issue 随机抽取并直接占用，跳过预留。purchase.Numbers 会被填入最终票号
func (a *Allocator) Issue(ctx context.Context, raffle *model.Raffle, quantity int, purchase *model.Purchase) ([]int, error) {
	numbers, err := a.allocate(ctx, raffle, quantity, func(numbers []int) model.Transition {
		p := *purchase
		p.Numbers = sortedCopy(numbers)
		return model.Transition{
			RaffleID: raffle.ID,
			Numbers:  numbers,
			From:     model.TicketAvailable,
			To:       model.TicketOccupied,
			At:       purchase.PurchasedAt,
			Purchase: &p,
		}
	})
	if err != nil {
		return nil, err
	}
	purchase.Numbers = numbers
	return numbers, nil
}

func (a *Allocator) allocate(ctx context.Context, raffle *model.Raffle, quantity int, build func([]int) model.Transition) ([]int, error) {
	if quantity <= 0 || quantity > raffle.TotalTickets {
		return nil, fmt.Errorf("请求 %d 张, 抽奖共 %d 张: %w", quantity, raffle.TotalTickets, model.ErrInvalidQuantity)
	}

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		available, err := a.store.ListAvailable(ctx, raffle.ID)
		if err != nil {
			return nil, err
		}
		if len(available) < quantity {
			return nil, &model.InsufficientTicketsError{Requested: quantity, Available: len(available)}
		}

		candidates := a.draw(available, quantity)
		err = a.store.CompareAndTransition(ctx, build(candidates))
		if err == nil {
			sort.Ints(candidates)
			return candidates, nil
		}

		var conflict *model.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		a.logger.Debug("票号竞争失败，重新抽样",
			"raffle_id", raffle.ID, "attempt", attempt, "taken", len(conflict.Taken))
	}

	live, err := a.store.CountByState(ctx, raffle.ID, model.TicketAvailable)
	if err != nil {
		return nil, err
	}
	a.logger.Warn("票号分配重试耗尽",
		"raffle_id", raffle.ID, "requested", quantity, "available", live, "attempts", a.maxAttempts)
	return nil, &model.InsufficientTicketsError{Requested: quantity, Available: live}
}

// draw 部分 Fisher-Yates 洗牌，无放回抽取 k 个；会打乱 pool
func (a *Allocator) draw(pool []int, k int) []int {
	for i := 0; i < k; i++ {
		j := i + a.intN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return append([]int(nil), pool[:k]...)
}

func sortedCopy(numbers []int) []int {
	out := append([]int(nil), numbers...)
	sort.Ints(out)
	return out
}
