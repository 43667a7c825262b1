package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/rafflepool/internal/model"
	"github.com/lvdashuaibi/rafflepool/internal/ticket"
)

// RaffleStore 票号存储加上抽奖管理
type RaffleStore interface {
	ticket.Store
	CreateRaffle(ctx context.Context, raffle *model.Raffle) error
	UpdateRaffleState(ctx context.Context, raffleID int64, from, to model.RaffleState) error
}

// Publisher 票号事件发布
type Publisher interface {
	Publish(ctx context.Context, event *model.TicketEvent) error
}

// AuditLog 票号事件审计存储，按事件ID去重
type AuditLog interface {
	SaveTicketEvent(ctx context.Context, event *model.TicketEvent) error
}

// Options 服务参数
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	PageSize      int
	LazySweep     bool
	// Leader 周期回收选主锁，为空时每个实例都回收
	Leader    ticket.Leader
	LeaderTTL time.Duration
	// Now 为空时使用 time.Now
	Now ticket.Clock
}

type RaffleService struct {
	store     RaffleStore
	allocator *ticket.Allocator
	finalizer *ticket.Finalizer
	sweeper   *ticket.Sweeper
	query     *ticket.QueryService
	publisher Publisher
	audit     AuditLog
	ttl       time.Duration
	lazySweep bool
	now       ticket.Clock
	logger    *slog.Logger
}

// NewRaffleService publisher 和 audit 可以为 nil
func NewRaffleService(store RaffleStore, publisher Publisher, audit AuditLog, opts Options, logger *slog.Logger) *RaffleService {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	allocator := ticket.NewAllocator(store, opts.MaxAttempts, now, logger)
	s := &RaffleService{
		store:     store,
		allocator: allocator,
		finalizer: ticket.NewFinalizer(store, allocator, opts.TTL, now, logger),
		sweeper:   ticket.NewSweeper(store, opts.TTL, opts.SweepInterval, now, opts.Leader, logger),
		query:     ticket.NewQueryService(store, opts.PageSize),
		publisher: publisher,
		audit:     audit,
		ttl:       opts.TTL,
		lazySweep: opts.LazySweep,
		now:       now,
		logger:    logger,
	}
	s.sweeper.LeaderTTL = opts.LeaderTTL
	s.sweeper.OnRelease = s.onRelease
	return s
}

// Sweeper 周期回收任务，由调用方决定在哪个 goroutine 中运行
func (s *RaffleService) Sweeper() *ticket.Sweeper {
	return s.sweeper
}

// ProvisionRaffle 创建抽奖并生成全部票号
func (s *RaffleService) ProvisionRaffle(ctx context.Context, raffle *model.Raffle) (*model.RaffleStats, error) {
	if !IsAdmin(ctx) {
		return nil, model.ErrUnauthorized
	}
	if raffle.TotalTickets <= 0 {
		return nil, fmt.Errorf("票号总数 %d: %w", raffle.TotalTickets, model.ErrInvalidQuantity)
	}
	if raffle.State == "" {
		raffle.State = model.RaffleUpcoming
	}
	if err := s.store.CreateRaffle(ctx, raffle); err != nil {
		return nil, err
	}
	s.logger.Info("抽奖已创建", "raffle_id", raffle.ID, "total", raffle.TotalTickets, "state", raffle.State)
	return s.stats(ctx, raffle)
}

// SetRaffleState 推进抽奖生命周期
func (s *RaffleService) SetRaffleState(ctx context.Context, raffleID int64, next model.RaffleState) (*model.Raffle, error) {
	if !IsAdmin(ctx) {
		return nil, model.ErrUnauthorized
	}
	raffle, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if !raffle.State.CanTransitionTo(next) {
		return nil, fmt.Errorf("%s → %s: %w", raffle.State, next, model.ErrInvalidRaffleState)
	}
	if err := s.store.UpdateRaffleState(ctx, raffleID, raffle.State, next); err != nil {
		return nil, err
	}
	s.logger.Info("抽奖状态已变更", "raffle_id", raffleID, "from", raffle.State, "to", next)
	raffle.State = next
	return raffle, nil
}

// RaffleStats 各状态票号数量
func (s *RaffleService) RaffleStats(ctx context.Context, raffleID int64) (*model.RaffleStats, error) {
	raffle, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	s.sweepLazily(ctx, raffleID)
	return s.stats(ctx, raffle)
}

// ReserveTickets 随机预留 quantity 张票号
func (s *RaffleService) ReserveTickets(ctx context.Context, raffleID int64, quantity int) (*model.ReserveResult, error) {
	if err := checkQuantity(quantity); err != nil {
		return nil, err
	}
	raffle, err := s.activeRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	s.sweepLazily(ctx, raffleID)

	expiresAt := s.now().Add(s.ttl)
	numbers, err := s.allocator.Reserve(ctx, raffle, quantity)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.EventReserved, raffleID, numbers, "")

	stats, stale := s.statsAfterCommit(ctx, raffle)
	return &model.ReserveResult{
		RaffleID:   raffleID,
		Numbers:    numbers,
		ExpiresAt:  expiresAt,
		Stats:      stats,
		StatsStale: stale,
	}, nil
}

// FinalizePurchase 确认购买已预留的票号
func (s *RaffleService) FinalizePurchase(ctx context.Context, raffleID int64, numbers []int, buyer model.Buyer) (*model.PurchaseResult, error) {
	raffle, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	purchase, err := s.finalizer.Finalize(ctx, raffleID, numbers, buyer)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.EventFinalized, raffleID, purchase.Numbers, purchase.ID)
	return s.purchaseResult(ctx, raffle, purchase), nil
}

// DirectIssue 管理员直接出票
func (s *RaffleService) DirectIssue(ctx context.Context, raffleID int64, quantity int, buyer model.Buyer) (*model.PurchaseResult, error) {
	if !IsAdmin(ctx) {
		return nil, model.ErrUnauthorized
	}
	if err := checkQuantity(quantity); err != nil {
		return nil, err
	}
	raffle, err := s.activeRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	s.sweepLazily(ctx, raffleID)

	purchase, err := s.finalizer.Issue(ctx, raffle, quantity, buyer)
	if err != nil {
		return nil, err
	}
	s.logger.Info("管理员直接出票", "raffle_id", raffleID, "count", len(purchase.Numbers), "purchase_id", purchase.ID)
	s.publish(ctx, model.EventIssued, raffleID, purchase.Numbers, purchase.ID)
	return s.purchaseResult(ctx, raffle, purchase), nil
}

// ReleaseExpiredReservations raffleID 为空时回收所有抽奖
func (s *RaffleService) ReleaseExpiredReservations(ctx context.Context, raffleID *int64) (*model.ReleaseResult, error) {
	if raffleID == nil {
		// 部分抽奖失败时仍返回已回收数量
		n, err := s.sweeper.ReleaseAllExpired(ctx)
		return &model.ReleaseResult{Released: n}, err
	}

	if _, err := s.store.GetRaffle(ctx, *raffleID); err != nil {
		return nil, err
	}
	released, err := s.sweeper.ReleaseExpired(ctx, *raffleID)
	if err != nil {
		return nil, err
	}
	return &model.ReleaseResult{Released: len(released)}, nil
}

// ForceReleaseAllReserved 管理员回收某个抽奖的全部预留，不论是否过期
func (s *RaffleService) ForceReleaseAllReserved(ctx context.Context, raffleID int64) (*model.ReleaseResult, error) {
	if !IsAdmin(ctx) {
		return nil, model.ErrUnauthorized
	}
	if _, err := s.store.GetRaffle(ctx, raffleID); err != nil {
		return nil, err
	}
	released, err := s.sweeper.ForceReleaseAll(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	return &model.ReleaseResult{Released: len(released)}, nil
}

// QueryOccupiedTickets 已售票号分页查询
func (s *RaffleService) QueryOccupiedTickets(ctx context.Context, raffleID int64, filter model.TicketFilter, page int) (*model.OccupiedPage, error) {
	if _, err := s.store.GetRaffle(ctx, raffleID); err != nil {
		return nil, err
	}
	s.sweepLazily(ctx, raffleID)
	return s.query.Query(ctx, raffleID, filter, page)
}

// ProcessTicketEvent 写入审计表（消费者使用）
func (s *RaffleService) ProcessTicketEvent(ctx context.Context, event *model.TicketEvent) error {
	if s.audit == nil {
		return nil
	}
	if err := s.audit.SaveTicketEvent(ctx, event); err != nil {
		return fmt.Errorf("处理票号事件 %s 失败: %w", event.ID, err)
	}
	return nil
}

func (s *RaffleService) activeRaffle(ctx context.Context, raffleID int64) (*model.Raffle, error) {
	raffle, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if raffle.State != model.RaffleActive {
		return nil, fmt.Errorf("抽奖 %d 当前为 %s: %w", raffleID, raffle.State, model.ErrRaffleNotActive)
	}
	return raffle, nil
}

// sweepLazily 回收失败只记录日志，不影响本次请求
func (s *RaffleService) sweepLazily(ctx context.Context, raffleID int64) {
	if !s.lazySweep {
		return
	}
	if _, err := s.sweeper.ReleaseExpired(ctx, raffleID); err != nil {
		s.logger.Warn("惰性回收过期预留失败", "raffle_id", raffleID, "error", err)
	}
}

func (s *RaffleService) stats(ctx context.Context, raffle *model.Raffle) (*model.RaffleStats, error) {
	stats, err := ticket.Stats(ctx, s.store, raffle)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// statsAfterCommit 迁移已提交后读取统计，读取失败只记录日志并标记 stale
func (s *RaffleService) statsAfterCommit(ctx context.Context, raffle *model.Raffle) (model.RaffleStats, bool) {
	stats, err := ticket.Stats(ctx, s.store, raffle)
	if err != nil {
		s.logger.Warn("读取票号统计失败，返回结果不含统计", "raffle_id", raffle.ID, "error", err)
		return model.RaffleStats{RaffleID: raffle.ID, Total: raffle.TotalTickets}, true
	}
	return stats, false
}

func (s *RaffleService) purchaseResult(ctx context.Context, raffle *model.Raffle, purchase *model.Purchase) *model.PurchaseResult {
	stats, stale := s.statsAfterCommit(ctx, raffle)
	return &model.PurchaseResult{
		RaffleID:   raffle.ID,
		Numbers:    purchase.Numbers,
		PurchaseID: purchase.ID,
		Stats:      stats,
		StatsStale: stale,
	}
}

func checkQuantity(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("请求 %d 张: %w", quantity, model.ErrInvalidQuantity)
	}
	return nil
}

func (s *RaffleService) onRelease(ctx context.Context, released ticket.Released, forced bool) {
	eventType := model.EventExpired
	if forced {
		eventType = model.EventReleased
	}
	s.publish(ctx, eventType, released.RaffleID, released.Numbers, "")
}

// publish 发送失败时直接写审计表，两者都失败只记录日志。票号存储才是唯一数据源
func (s *RaffleService) publish(ctx context.Context, eventType model.EventType, raffleID int64, numbers []int, purchaseID string) {
	if s.publisher == nil && s.audit == nil {
		return
	}
	event := &model.TicketEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		RaffleID:   raffleID,
		Numbers:    numbers,
		Count:      len(numbers),
		PurchaseID: purchaseID,
		OccurredAt: s.now(),
	}

	var err error
	if s.publisher != nil {
		if err = s.publisher.Publish(ctx, event); err == nil {
			return
		}
		s.logger.Warn("发送票号事件失败，直接写入审计表", "type", eventType, "raffle_id", raffleID, "error", err)
	}
	if s.audit != nil {
		auditErr := s.audit.SaveTicketEvent(ctx, event)
		if auditErr == nil {
			return
		}
		err = errors.Join(err, auditErr)
	}
	s.logger.Error("票号事件丢失", "type", eventType, "raffle_id", raffleID, "event_id", event.ID, "error", err)
}
