package ticket_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/rafflepool/internal/model"
	"github.com/lvdashuaibi/rafflepool/internal/repository"
	"github.com/lvdashuaibi/rafflepool/internal/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ttl = 60 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engine struct {
	store     *repository.RedisRepository
	clock     *fakeClock
	allocator *ticket.Allocator
	finalizer *ticket.Finalizer
	sweeper   *ticket.Sweeper
	query     *ticket.QueryService
	raffle    *model.Raffle
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupEngine(t *testing.T, total int) *engine {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	store := repository.NewRedisRepositoryWithClient(client)
	raffle := &model.Raffle{
		ID:           1,
		Title:        "Rifa Navideña",
		TicketPrice:  5,
		TotalTickets: total,
		State:        model.RaffleActive,
		EndDate:      time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateRaffle(context.Background(), raffle))

	clock := newFakeClock()
	logger := discardLogger()
	allocator := ticket.NewAllocator(store, 5, clock.Now, logger)
	return &engine{
		store:     store,
		clock:     clock,
		allocator: allocator,
		finalizer: ticket.NewFinalizer(store, allocator, ttl, clock.Now, logger),
		sweeper:   ticket.NewSweeper(store, ttl, time.Minute, clock.Now, nil, logger),
		query:     ticket.NewQueryService(store, 50),
		raffle:    raffle,
	}
}

func (e *engine) stats(t *testing.T) model.RaffleStats {
	t.Helper()
	stats, err := ticket.Stats(context.Background(), e.store, e.raffle)
	require.NoError(t, err)
	return stats
}

func buyer() model.Buyer {
	return model.Buyer{Name: "María Pérez", Email: "maria@example.com", Phone: "04141234567", Document: "V-12345678"}
}

func TestAllocator_ReserveRandomNumbers(t *testing.T) {
	e := setupEngine(t, 100)

	numbers, err := e.allocator.Reserve(context.Background(), e.raffle, 10)
	require.NoError(t, err)
	assert.Len(t, numbers, 10)
	assert.True(t, sort.IntsAreSorted(numbers))

	seen := make(map[int]bool)
	for _, n := range numbers {
		assert.False(t, seen[n], "duplicate number %d", n)
		seen[n] = true
		assert.True(t, n >= 1 && n <= 100)
	}

	stats := e.stats(t)
	assert.Equal(t, 90, stats.Available)
	assert.Equal(t, 10, stats.Reserved)
	assert.Equal(t, 0, stats.Occupied)
}

func TestAllocator_InvalidQuantity(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	for _, k := range []int{0, -1, 11} {
		_, err := e.allocator.Reserve(ctx, e.raffle, k)
		assert.True(t, errors.Is(err, model.ErrInvalidQuantity), "k=%d", k)
	}
	assert.Equal(t, 10, e.stats(t).Available)
}

func TestAllocator_InsufficientTickets(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	_, err := e.allocator.Reserve(ctx, e.raffle, 7)
	require.NoError(t, err)

	_, err = e.allocator.Reserve(ctx, e.raffle, 5)
	var insufficient *model.InsufficientTicketsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 5, insufficient.Requested)
	assert.Equal(t, 3, insufficient.Available)
	assert.True(t, errors.Is(err, model.ErrInsufficientTickets))
	assert.Equal(t, 3, e.stats(t).Available)
}

func TestAllocator_ConcurrentReservationsNeverOverlap(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.allocator.Reserve(ctx, e.raffle, 6)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i := 0; i < 2; i++ {
		if errs[i] == nil {
			succeeded++
			assert.Len(t, results[i], 6)
			continue
		}
		var insufficient *model.InsufficientTicketsError
		require.True(t, errors.As(errs[i], &insufficient), "unexpected error: %v", errs[i])
		assert.Equal(t, 4, insufficient.Available)
	}
	assert.Equal(t, 1, succeeded)

	stats := e.stats(t)
	assert.Equal(t, 6, stats.Reserved)
	assert.Equal(t, 4, stats.Available)
}

func TestAllocator_ManyConcurrentReservationsPartitionPool(t *testing.T) {
	e := setupEngine(t, 200)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			numbers, err := e.allocator.Reserve(ctx, e.raffle, 5)
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, numbers...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, n := range granted {
		assert.False(t, seen[n], "number %d granted twice", n)
		seen[n] = true
	}

	stats := e.stats(t)
	assert.Equal(t, len(granted), stats.Reserved)
	assert.Equal(t, 200, stats.Available+stats.Reserved+stats.Occupied)
}

func TestSweeper_ReleasesExpiredReservations(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)

	released, err := e.sweeper.ReleaseExpired(ctx, e.raffle.ID)
	require.NoError(t, err)
	assert.Empty(t, released, "fresh reservations must survive")

	e.clock.Advance(61 * time.Second)
	released, err = e.sweeper.ReleaseExpired(ctx, e.raffle.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, numbers, released)
	assert.Equal(t, 10, e.stats(t).Available)

	released, err = e.sweeper.ReleaseExpired(ctx, e.raffle.ID)
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestSweeper_ReleaseAllExpiredAndNotify(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	var events []ticket.Released
	e.sweeper.OnRelease = func(_ context.Context, r ticket.Released, forced bool) {
		assert.False(t, forced)
		events = append(events, r)
	}

	_, err := e.allocator.Reserve(ctx, e.raffle, 2)
	require.NoError(t, err)
	e.clock.Advance(30 * time.Second)
	_, err = e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)

	e.clock.Advance(31 * time.Second)
	count, err := e.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 3, e.stats(t).Reserved)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Numbers, 2)

	e.clock.Advance(30 * time.Second)
	count, err = e.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 10, e.stats(t).Available)
}

func TestSweeper_SkipsFinalizedTickets(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 4)
	require.NoError(t, err)
	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, numbers[:2], buyer())
	require.NoError(t, err)

	e.clock.Advance(2 * ttl)
	released, err := e.sweeper.ReleaseExpired(ctx, e.raffle.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, numbers[2:], released)

	stats := e.stats(t)
	assert.Equal(t, 2, stats.Occupied)
	assert.Equal(t, 8, stats.Available)
}

func TestSweeper_ForceReleaseAll(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	_, err := e.allocator.Reserve(ctx, e.raffle, 5)
	require.NoError(t, err)

	forcedCalls := 0
	e.sweeper.OnRelease = func(_ context.Context, _ ticket.Released, forced bool) {
		if forced {
			forcedCalls++
		}
	}

	released, err := e.sweeper.ForceReleaseAll(ctx, e.raffle.ID)
	require.NoError(t, err)
	assert.Len(t, released, 5)
	assert.Equal(t, 1, forcedCalls)
	assert.Equal(t, 10, e.stats(t).Available)
}

type stubLeader struct {
	acquire  bool
	acquired int
	released int
}

func (l *stubLeader) AcquireLock(context.Context, string, time.Duration) (bool, error) {
	l.acquired++
	return l.acquire, nil
}

func (l *stubLeader) RefreshLock(context.Context, string, time.Duration) (bool, error) {
	return l.acquire, nil
}

func (l *stubLeader) ReleaseLock(context.Context, string) error {
	l.released++
	return nil
}

func TestSweeper_SweepOnceRequiresLeadership(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()
	leader := &stubLeader{acquire: false}
	sweeper := ticket.NewSweeper(e.store, ttl, time.Minute, e.clock.Now, leader, discardLogger())

	_, err := e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)
	e.clock.Advance(2 * ttl)

	count, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 3, e.stats(t).Reserved)

	leader.acquire = true
	count, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestFinalizer_Finalize(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)

	e.clock.Advance(59 * time.Second)
	purchase, err := e.finalizer.Finalize(ctx, e.raffle.ID, numbers, buyer())
	require.NoError(t, err)
	assert.NotEmpty(t, purchase.ID)
	assert.Equal(t, numbers, purchase.Numbers)

	stats := e.stats(t)
	assert.Equal(t, 3, stats.Occupied)
	assert.Equal(t, 0, stats.Reserved)
}

func TestFinalizer_AlreadyFinalized(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)
	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, numbers, buyer())
	require.NoError(t, err)

	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, numbers, buyer())
	assert.True(t, errors.Is(err, model.ErrReservationExpired))

	page, err := e.query.Query(ctx, e.raffle.ID, model.TicketFilter{}, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount)
}

func TestFinalizer_ExpiredAndSwept(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)
	e.clock.Advance(61 * time.Second)
	_, err = e.sweeper.ReleaseExpired(ctx, e.raffle.ID)
	require.NoError(t, err)

	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, numbers, buyer())
	assert.True(t, errors.Is(err, model.ErrReservationExpired))
	stats := e.stats(t)
	assert.Equal(t, 10, stats.Available)
	assert.Equal(t, 0, stats.Occupied)
}

func TestFinalizer_ExpiredButNotSwept(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)
	e.clock.Advance(61 * time.Second)

	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, numbers, buyer())
	assert.True(t, errors.Is(err, model.ErrReservationExpired))
	stats := e.stats(t)
	assert.Equal(t, 3, stats.Reserved)
	assert.Equal(t, 0, stats.Occupied)
}

func TestFinalizer_PartialSetRejected(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 2)
	require.NoError(t, err)
	available, err := e.store.ListAvailable(ctx, e.raffle.ID)
	require.NoError(t, err)

	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, append(numbers, available[0]), buyer())
	assert.True(t, errors.Is(err, model.ErrReservationExpired))
	stats := e.stats(t)
	assert.Equal(t, 2, stats.Reserved)
	assert.Equal(t, 0, stats.Occupied)
}

func TestFinalizer_InvalidInput(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	numbers, err := e.allocator.Reserve(ctx, e.raffle, 2)
	require.NoError(t, err)

	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, numbers, model.Buyer{Name: "Ana"})
	assert.True(t, errors.Is(err, model.ErrInvalidBuyer))

	_, err = e.finalizer.Finalize(ctx, e.raffle.ID, nil, buyer())
	assert.True(t, errors.Is(err, model.ErrInvalidTicketNumbers))
	assert.Equal(t, 2, e.stats(t).Reserved)
}

func TestFinalizer_Issue(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	purchase, err := e.finalizer.Issue(ctx, e.raffle, 4, buyer())
	require.NoError(t, err)
	assert.Len(t, purchase.Numbers, 4)
	assert.True(t, sort.IntsAreSorted(purchase.Numbers))

	stats := e.stats(t)
	assert.Equal(t, 4, stats.Occupied)
	assert.Equal(t, 6, stats.Available)

	_, err = e.finalizer.Issue(ctx, e.raffle, 7, buyer())
	var insufficient *model.InsufficientTicketsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 6, insufficient.Available)

	_, err = e.finalizer.Issue(ctx, e.raffle, 0, buyer())
	assert.True(t, errors.Is(err, model.ErrInvalidQuantity))
}

func TestQueryService_Query(t *testing.T) {
	e := setupEngine(t, 200)
	ctx := context.Background()

	maria, err := e.finalizer.Issue(ctx, e.raffle, 60, buyer())
	require.NoError(t, err)
	_, err = e.finalizer.Issue(ctx, e.raffle, 5, model.Buyer{
		Name: "José Gómez", Email: "jose@example.com", Document: "E-987654",
	})
	require.NoError(t, err)

	page, err := e.query.Query(ctx, e.raffle.ID, model.TicketFilter{}, 1)
	require.NoError(t, err)
	assert.Equal(t, 65, page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 50, page.PageSize)
	assert.Len(t, page.Tickets, 50)
	for i := 1; i < len(page.Tickets); i++ {
		assert.Less(t, page.Tickets[i-1].Number, page.Tickets[i].Number)
	}

	page, err = e.query.Query(ctx, e.raffle.ID, model.TicketFilter{}, 2)
	require.NoError(t, err)
	assert.Len(t, page.Tickets, 15)

	page, err = e.query.Query(ctx, e.raffle.ID, model.TicketFilter{Name: "  MARÍA "}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 60, page.TotalCount)

	page, err = e.query.Query(ctx, e.raffle.ID, model.TicketFilter{Number: maria.Numbers[0]}, 1)
	require.NoError(t, err)
	require.Len(t, page.Tickets, 1)
	assert.Equal(t, maria.ID, page.Tickets[0].PurchaseID)

	page, err = e.query.Query(ctx, e.raffle.ID, model.TicketFilter{Document: "nobody"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, page.TotalCount)
	assert.Equal(t, 0, page.TotalPages)
	assert.NotNil(t, page.Tickets)
}

type unavailableStore struct {
	ticket.Store
}

func (unavailableStore) ListAvailable(context.Context, int64) ([]int, error) {
	return nil, model.StoreError("获取可用票号失败", errors.New("connection refused"))
}

func TestAllocator_StoreUnavailable(t *testing.T) {
	e := setupEngine(t, 10)
	allocator := ticket.NewAllocator(unavailableStore{e.store}, 5, e.clock.Now, discardLogger())

	_, err := allocator.Reserve(context.Background(), e.raffle, 2)
	assert.True(t, errors.Is(err, model.ErrStoreUnavailable))
	assert.True(t, model.IsRetryable(err))
	assert.Equal(t, 10, e.stats(t).Available)
}

// racingStore 在读与条件迁移之间插入另一个调用方的写入
type racingStore struct {
	ticket.Store
	afterListReserved func()
	beforeTransition  func(tr model.Transition)
	transitions       int
}

func (s *racingStore) ListReserved(ctx context.Context, raffleID int64, before time.Time) ([]int, error) {
	numbers, err := s.Store.ListReserved(ctx, raffleID, before)
	if err == nil && s.afterListReserved != nil {
		s.afterListReserved()
	}
	return numbers, err
}

func (s *racingStore) CompareAndTransition(ctx context.Context, tr model.Transition) error {
	s.transitions++
	if s.beforeTransition != nil {
		s.beforeTransition(tr)
	}
	return s.Store.CompareAndTransition(ctx, tr)
}

func TestSweeper_TicketFinalizedDuringSweep(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	reservedAt := e.clock.Now()
	numbers, err := e.allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)

	// 买家实例的时钟还在有效期内
	buyerClock := func() time.Time { return reservedAt.Add(59 * time.Second) }
	buyerFinalizer := ticket.NewFinalizer(e.store, e.allocator, ttl, buyerClock, discardLogger())

	store := &racingStore{Store: e.store}
	store.afterListReserved = func() {
		store.afterListReserved = nil
		_, err := buyerFinalizer.Finalize(ctx, e.raffle.ID, numbers[:1], buyer())
		require.NoError(t, err)
	}
	sweeper := ticket.NewSweeper(store, ttl, time.Minute, e.clock.Now, nil, discardLogger())
	var events []ticket.Released
	sweeper.OnRelease = func(_ context.Context, r ticket.Released, _ bool) {
		events = append(events, r)
	}

	e.clock.Advance(61 * time.Second)
	released, err := sweeper.ReleaseExpired(ctx, e.raffle.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, numbers[1:], released)
	assert.Equal(t, 2, store.transitions)
	require.Len(t, events, 1)
	assert.Equal(t, numbers[1:], events[0].Numbers)

	assert.Equal(t, model.RaffleStats{RaffleID: 1, Total: 10, Available: 9, Occupied: 1}, e.stats(t))
}

func TestAllocator_ResamplesAfterConflict(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	var stolen int
	store := &racingStore{Store: e.store}
	store.beforeTransition = func(tr model.Transition) {
		if stolen != 0 {
			return
		}
		stolen = tr.Numbers[0]
		require.NoError(t, e.store.CompareAndTransition(ctx, model.Transition{
			RaffleID: e.raffle.ID,
			Numbers:  []int{stolen},
			From:     model.TicketAvailable,
			To:       model.TicketReserved,
			At:       e.clock.Now(),
		}))
	}
	allocator := ticket.NewAllocator(store, 5, e.clock.Now, discardLogger())

	numbers, err := allocator.Reserve(ctx, e.raffle, 3)
	require.NoError(t, err)
	assert.Len(t, numbers, 3)
	assert.NotContains(t, numbers, stolen)
	assert.Equal(t, 2, store.transitions)

	stats := e.stats(t)
	assert.Equal(t, 4, stats.Reserved)
	assert.Equal(t, 6, stats.Available)
}

func TestAllocator_RetriesExhaustedReportLiveCount(t *testing.T) {
	e := setupEngine(t, 10)
	ctx := context.Background()

	store := &racingStore{Store: e.store}
	store.beforeTransition = func(tr model.Transition) {
		require.NoError(t, e.store.CompareAndTransition(ctx, model.Transition{
			RaffleID: e.raffle.ID,
			Numbers:  tr.Numbers[:1],
			From:     model.TicketAvailable,
			To:       model.TicketReserved,
			At:       e.clock.Now(),
		}))
	}
	allocator := ticket.NewAllocator(store, 3, e.clock.Now, discardLogger())

	_, err := allocator.Reserve(ctx, e.raffle, 2)
	var insufficient *model.InsufficientTicketsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 2, insufficient.Requested)
	assert.Equal(t, 7, insufficient.Available)
	assert.Equal(t, 3, store.transitions)
	assert.Equal(t, 3, e.stats(t).Reserved)
}
