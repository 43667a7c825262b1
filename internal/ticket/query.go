package ticket

import (
	"context"
	"strings"

	"github.com/lvdashuaibi/rafflepool/internal/model"
)

const DefaultPageSize = 50

// QueryService 已售票号查询，按票号升序分页
type QueryService struct {
	store    Store
	pageSize int
}

func NewQueryService(store Store, pageSize int) *QueryService {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &QueryService{store: store, pageSize: pageSize}
}

// Query page 小于1时按第1页处理
func (q *QueryService) Query(ctx context.Context, raffleID int64, filter model.TicketFilter, page int) (*model.OccupiedPage, error) {
	if page < 1 {
		page = 1
	}
	filter = normalizeFilter(filter)

	tickets, total, err := q.store.QueryOccupied(ctx, raffleID, filter, model.Page{Number: page, Size: q.pageSize})
	if err != nil {
		return nil, err
	}
	if tickets == nil {
		tickets = []model.OccupiedTicket{}
	}
	return &model.OccupiedPage{
		Tickets:    tickets,
		TotalCount: total,
		Page:       page,
		PageSize:   q.pageSize,
		TotalPages: (total + q.pageSize - 1) / q.pageSize,
	}, nil
}

func normalizeFilter(f model.TicketFilter) model.TicketFilter {
	f.Name = strings.TrimSpace(f.Name)
	f.Document = strings.TrimSpace(f.Document)
	f.Phone = strings.TrimSpace(f.Phone)
	if f.Number < 0 {
		f.Number = 0
	}
	return f
}
