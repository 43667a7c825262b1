package ticket

import (
	"context"
	"time"

	"github.com/lvdashuaibi/rafflepool/internal/model"
)

// Store 票号存储。票号状态只能经由 CompareAndTransition 修改
type Store interface {
	GetRaffle(ctx context.Context, raffleID int64) (*model.Raffle, error)
	CountByState(ctx context.Context, raffleID int64, state model.TicketState) (int, error)
	ListAvailable(ctx context.Context, raffleID int64) ([]int, error)
	ListReserved(ctx context.Context, raffleID int64, before time.Time) ([]int, error)
	ListRafflesWithReservations(ctx context.Context) ([]int64, error)
	CompareAndTransition(ctx context.Context, tr model.Transition) error
	QueryOccupied(ctx context.Context, raffleID int64, filter model.TicketFilter, page model.Page) ([]model.OccupiedTicket, int, error)
}

// Clock 当前时间，测试中可替换
type Clock func() time.Time

// Stats 读取抽奖各状态票号数量
func Stats(ctx context.Context, store Store, raffle *model.Raffle) (model.RaffleStats, error) {
	stats := model.RaffleStats{RaffleID: raffle.ID, Total: raffle.TotalTickets}
	counts := []struct {
		state model.TicketState
		dst   *int
	}{
		{model.TicketAvailable, &stats.Available},
		{model.TicketReserved, &stats.Reserved},
		{model.TicketOccupied, &stats.Occupied},
	}
	for _, c := range counts {
		n, err := store.CountByState(ctx, raffle.ID, c.state)
		if err != nil {
			return stats, err
		}
		*c.dst = n
	}
	return stats, nil
}
