package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/lvdashuaibi/rafflepool/internal/model"
	"github.com/lvdashuaibi/rafflepool/internal/service"
)

// Resolver GraphQL解析器
type Resolver struct {
	raffleService *service.RaffleService
}

// NewResolver 创建新的解析器
func NewResolver(raffleService *service.RaffleService) *Resolver {
	return &Resolver{raffleService: raffleService}
}

// BuyerInput 购买人输入类型
type BuyerInput struct {
	Name     string
	Email    string
	Phone    *string
	Document string
}

func (in BuyerInput) toModel() model.Buyer {
	b := model.Buyer{Name: in.Name, Email: in.Email, Document: in.Document}
	if in.Phone != nil {
		b.Phone = *in.Phone
	}
	return b
}

// TicketFilterInput 已售票号过滤条件
type TicketFilterInput struct {
	Name     *string
	Document *string
	Phone    *string
	Number   *int32
}

func (in *TicketFilterInput) toModel() model.TicketFilter {
	var f model.TicketFilter
	if in == nil {
		return f
	}
	if in.Name != nil {
		f.Name = *in.Name
	}
	if in.Document != nil {
		f.Document = *in.Document
	}
	if in.Phone != nil {
		f.Phone = *in.Phone
	}
	if in.Number != nil {
		f.Number = int(*in.Number)
	}
	return f
}

// RaffleInput 创建抽奖输入类型
type RaffleInput struct {
	ID           int32
	Title        string
	TicketPrice  float64
	TotalTickets int32
	State        *string
	EndDate      *string
}

// RaffleStats 各状态票号数量
func (r *Resolver) RaffleStats(ctx context.Context, args struct{ RaffleID int32 }) (*StatsResolver, error) {
	stats, err := r.raffleService.RaffleStats(ctx, int64(args.RaffleID))
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &StatsResolver{stats: *stats}, nil
}

// OccupiedTickets 已售票号分页查询
func (r *Resolver) OccupiedTickets(ctx context.Context, args struct {
	RaffleID int32
	Filter   *TicketFilterInput
	Page     *int32
}) (*OccupiedPageResolver, error) {
	page := 1
	if args.Page != nil {
		page = int(*args.Page)
	}
	result, err := r.raffleService.QueryOccupiedTickets(ctx, int64(args.RaffleID), args.Filter.toModel(), page)
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &OccupiedPageResolver{page: result}, nil
}

// ReserveTickets 随机预留票号
func (r *Resolver) ReserveTickets(ctx context.Context, args struct {
	RaffleID int32
	Quantity int32
}) (*ReserveResultResolver, error) {
	result, err := r.raffleService.ReserveTickets(ctx, int64(args.RaffleID), int(args.Quantity))
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &ReserveResultResolver{result: result}, nil
}

// FinalizePurchase 确认购买
func (r *Resolver) FinalizePurchase(ctx context.Context, args struct {
	RaffleID int32
	Numbers  []int32
	Buyer    BuyerInput
}) (*PurchaseResultResolver, error) {
	numbers := make([]int, len(args.Numbers))
	for i, n := range args.Numbers {
		numbers[i] = int(n)
	}
	result, err := r.raffleService.FinalizePurchase(ctx, int64(args.RaffleID), numbers, args.Buyer.toModel())
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &PurchaseResultResolver{result: result}, nil
}

// ReleaseExpiredReservations 回收过期预留
func (r *Resolver) ReleaseExpiredReservations(ctx context.Context, args struct{ RaffleID *int32 }) (*ReleaseResultResolver, error) {
	var raffleID *int64
	if args.RaffleID != nil {
		id := int64(*args.RaffleID)
		raffleID = &id
	}
	result, err := r.raffleService.ReleaseExpiredReservations(ctx, raffleID)
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &ReleaseResultResolver{result: result}, nil
}

// ForceReleaseAllReserved 管理员回收全部预留
func (r *Resolver) ForceReleaseAllReserved(ctx context.Context, args struct{ RaffleID int32 }) (*ReleaseResultResolver, error) {
	result, err := r.raffleService.ForceReleaseAllReserved(ctx, int64(args.RaffleID))
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &ReleaseResultResolver{result: result}, nil
}

// DirectIssue 管理员直接出票
func (r *Resolver) DirectIssue(ctx context.Context, args struct {
	RaffleID int32
	Quantity int32
	Buyer    BuyerInput
}) (*PurchaseResultResolver, error) {
	result, err := r.raffleService.DirectIssue(ctx, int64(args.RaffleID), int(args.Quantity), args.Buyer.toModel())
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &PurchaseResultResolver{result: result}, nil
}

// ProvisionRaffle 创建抽奖
func (r *Resolver) ProvisionRaffle(ctx context.Context, args struct{ Input RaffleInput }) (*StatsResolver, error) {
	raffle := &model.Raffle{
		ID:           int64(args.Input.ID),
		Title:        args.Input.Title,
		TicketPrice:  args.Input.TicketPrice,
		TotalTickets: int(args.Input.TotalTickets),
	}
	if args.Input.State != nil {
		raffle.State = model.RaffleState(*args.Input.State)
	}
	if args.Input.EndDate != nil {
		endDate, err := time.Parse(time.RFC3339, *args.Input.EndDate)
		if err != nil {
			return nil, fmt.Errorf("解析结束时间失败: %w", err)
		}
		raffle.EndDate = endDate
	}

	stats, err := r.raffleService.ProvisionRaffle(ctx, raffle)
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &StatsResolver{stats: *stats}, nil
}

// SetRaffleState 推进抽奖状态
func (r *Resolver) SetRaffleState(ctx context.Context, args struct {
	RaffleID int32
	State    string
}) (*RaffleResolver, error) {
	raffle, err := r.raffleService.SetRaffleState(ctx, int64(args.RaffleID), model.RaffleState(args.State))
	if err != nil {
		return nil, toGraphQLError(ctx, err)
	}
	return &RaffleResolver{raffle: raffle}, nil
}

func toInt32s(numbers []int) []int32 {
	out := make([]int32, len(numbers))
	for i, n := range numbers {
		out[i] = int32(n)
	}
	return out
}

// RaffleResolver 抽奖解析器
type RaffleResolver struct {
	raffle *model.Raffle
}

func (r *RaffleResolver) ID() int32            { return int32(r.raffle.ID) }
func (r *RaffleResolver) Title() string        { return r.raffle.Title }
func (r *RaffleResolver) TicketPrice() float64 { return r.raffle.TicketPrice }
func (r *RaffleResolver) TotalTickets() int32  { return int32(r.raffle.TotalTickets) }
func (r *RaffleResolver) State() string        { return string(r.raffle.State) }
func (r *RaffleResolver) EndDate() string      { return r.raffle.EndDate.Format(time.RFC3339) }

// StatsResolver 票号统计解析器
type StatsResolver struct {
	stats model.RaffleStats
}

func (r *StatsResolver) RaffleID() int32  { return int32(r.stats.RaffleID) }
func (r *StatsResolver) Total() int32     { return int32(r.stats.Total) }
func (r *StatsResolver) Available() int32 { return int32(r.stats.Available) }
func (r *StatsResolver) Reserved() int32  { return int32(r.stats.Reserved) }
func (r *StatsResolver) Occupied() int32  { return int32(r.stats.Occupied) }

// ReserveResultResolver 预留结果解析器
type ReserveResultResolver struct {
	result *model.ReserveResult
}

func (r *ReserveResultResolver) RaffleID() int32   { return int32(r.result.RaffleID) }
func (r *ReserveResultResolver) Numbers() []int32  { return toInt32s(r.result.Numbers) }
func (r *ReserveResultResolver) ExpiresAt() string { return r.result.ExpiresAt.Format(time.RFC3339) }
func (r *ReserveResultResolver) Stats() *StatsResolver {
	return &StatsResolver{stats: r.result.Stats}
}
func (r *ReserveResultResolver) StatsStale() bool { return r.result.StatsStale }

// PurchaseResultResolver 购买结果解析器
type PurchaseResultResolver struct {
	result *model.PurchaseResult
}

func (r *PurchaseResultResolver) RaffleID() int32    { return int32(r.result.RaffleID) }
func (r *PurchaseResultResolver) Numbers() []int32   { return toInt32s(r.result.Numbers) }
func (r *PurchaseResultResolver) PurchaseID() string { return r.result.PurchaseID }
func (r *PurchaseResultResolver) Stats() *StatsResolver {
	return &StatsResolver{stats: r.result.Stats}
}
func (r *PurchaseResultResolver) StatsStale() bool { return r.result.StatsStale }

// ReleaseResultResolver 回收结果解析器
type ReleaseResultResolver struct {
	result *model.ReleaseResult
}

func (r *ReleaseResultResolver) Released() int32 { return int32(r.result.Released) }

// BuyerResolver 购买人解析器
type BuyerResolver struct {
	buyer model.Buyer
}

func (r *BuyerResolver) Name() string     { return r.buyer.Name }
func (r *BuyerResolver) Email() string    { return r.buyer.Email }
func (r *BuyerResolver) Phone() string    { return r.buyer.Phone }
func (r *BuyerResolver) Document() string { return r.buyer.Document }

// OccupiedTicketResolver 已售票号解析器
type OccupiedTicketResolver struct {
	ticket model.OccupiedTicket
}

func (r *OccupiedTicketResolver) Number() int32      { return int32(r.ticket.Number) }
func (r *OccupiedTicketResolver) PurchaseID() string { return r.ticket.PurchaseID }
func (r *OccupiedTicketResolver) Buyer() *BuyerResolver {
	return &BuyerResolver{buyer: r.ticket.Buyer}
}
func (r *OccupiedTicketResolver) PurchasedAt() string {
	return r.ticket.PurchasedAt.Format(time.RFC3339)
}

// OccupiedPageResolver 分页结果解析器
type OccupiedPageResolver struct {
	page *model.OccupiedPage
}

func (r *OccupiedPageResolver) Tickets() []*OccupiedTicketResolver {
	out := make([]*OccupiedTicketResolver, len(r.page.Tickets))
	for i, t := range r.page.Tickets {
		out[i] = &OccupiedTicketResolver{ticket: t}
	}
	return out
}
func (r *OccupiedPageResolver) TotalCount() int32 { return int32(r.page.TotalCount) }
func (r *OccupiedPageResolver) Page() int32       { return int32(r.page.Page) }
func (r *OccupiedPageResolver) PageSize() int32   { return int32(r.page.PageSize) }
func (r *OccupiedPageResolver) TotalPages() int32 { return int32(r.page.TotalPages) }
