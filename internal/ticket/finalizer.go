package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/rafflepool/internal/model"
)

// Finalizer 把预留票号确认为已售，或由管理员直接出票
type Finalizer struct {
	store     Store
	allocator *Allocator
	ttl       time.Duration
	now       Clock
	newID     func() string
	logger    *slog.Logger
}

func NewFinalizer(store Store, allocator *Allocator, ttl time.Duration, now Clock, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		store:     store,
		allocator: allocator,
		ttl:       ttl,
		now:       now,
		newID:     uuid.NewString,
		logger:    logger,
	}
}

// Finalize 所有票号都处于未过期的预留状态时整体迁移为已售，否则返回 ErrReservationExpired 且不做任何修改
func (f *Finalizer) Finalize(ctx context.Context, raffleID int64, numbers []int, buyer model.Buyer) (*model.Purchase, error) {
	if len(numbers) == 0 {
		return nil, fmt.Errorf("票号列表为空: %w", model.ErrInvalidTicketNumbers)
	}
	if err := buyer.Validate(); err != nil {
		return nil, err
	}

	now := f.now()
	purchase := &model.Purchase{
		ID:          f.newID(),
		RaffleID:    raffleID,
		Buyer:       buyer,
		Numbers:     sortedCopy(numbers),
		PurchasedAt: now,
	}

	err := f.store.CompareAndTransition(ctx, model.Transition{
		RaffleID:      raffleID,
		Numbers:       purchase.Numbers,
		From:          model.TicketReserved,
		To:            model.TicketOccupied,
		At:            now,
		ReservedAfter: now.Add(-f.ttl),
		Purchase:      purchase,
	})
	if err != nil {
		var conflict *model.ConflictError
		if errors.As(err, &conflict) {
			f.logger.Info("确认购买失败，预留已失效",
				"raffle_id", raffleID, "requested", len(numbers), "lapsed", len(conflict.Taken))
			return nil, fmt.Errorf("票号 %v: %w", conflict.Taken, model.ErrReservationExpired)
		}
		return nil, err
	}
	return purchase, nil
}

// Issue 管理员直接出票: 随机抽取 quantity 张并直接占用
func (f *Finalizer) Issue(ctx context.Context, raffle *model.Raffle, quantity int, buyer model.Buyer) (*model.Purchase, error) {
	if err := buyer.Validate(); err != nil {
		return nil, err
	}
	purchase := &model.Purchase{
		ID:          f.newID(),
		RaffleID:    raffle.ID,
		Buyer:       buyer,
		PurchasedAt: f.now(),
	}
	if _, err := f.allocator.Issue(ctx, raffle, quantity, purchase); err != nil {
		return nil, err
	}
	return purchase, nil
}
