package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/rafflepool/config"
	"github.com/lvdashuaibi/rafflepool/internal/model"
)

const (
	// Redis键前缀，{id} 作为hash tag 保证同一抽奖的键落在同一slot
	RafflesKey      = "raffles"
	raffleKeyFormat = "raffle:{%d}"

	// 创建抽奖并生成全部可用票号
	CreateRaffleScript = `
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'title', ARGV[1], 'ticketPrice', ARGV[2], 'totalTickets', ARGV[3], 'state', ARGV[4], 'endDate', ARGV[5])
		local total = tonumber(ARGV[3])
		local batch = {}
		for i = 1, total do
			table.insert(batch, i)
			if #batch == 1000 then
				redis.call('SADD', KEYS[2], unpack(batch))
				batch = {}
			end
		end
		if #batch > 0 then
			redis.call('SADD', KEYS[2], unpack(batch))
		end
		return 1
	`

	// 抽奖状态CAS: -1 不存在, 0 状态不符, 1 成功
	UpdateRaffleStateScript = `
		local cur = redis.call('HGET', KEYS[1], 'state')
		if not cur then
			return -1
		end
		if cur ~= ARGV[1] then
			return 0
		end
		redis.call('HSET', KEYS[1], 'state', ARGV[2])
		return 1
	`

	// 条件迁移: 先检查全部票号，任何一个不满足就整体放弃并返回这些票号
	// 返回 {1} 成功, {0, n1, n2, ...} 冲突
	TransitionScript = `
		local from, to = ARGV[1], ARGV[2]
		local at = tonumber(ARGV[3])
		local before = tonumber(ARGV[4])
		local after = tonumber(ARGV[5])
		local sets = {available = KEYS[1], occupied = KEYS[3]}

		local result = {0}
		for i = 8, #ARGV do
			local n = ARGV[i]
			local ok = false
			if from == 'reserved' then
				local score = redis.call('ZSCORE', KEYS[2], n)
				if score then
					score = tonumber(score)
					ok = (before < 0 or score <= before) and (after < 0 or score > after)
				end
			else
				ok = redis.call('SISMEMBER', sets[from], n) == 1
			end
			if not ok then
				table.insert(result, n)
			end
		end
		if #result > 1 then
			return result
		end

		for i = 8, #ARGV do
			local n = ARGV[i]
			if from == 'reserved' then
				redis.call('ZREM', KEYS[2], n)
			else
				redis.call('SREM', sets[from], n)
			end
			if to == 'reserved' then
				redis.call('ZADD', KEYS[2], at, n)
			else
				redis.call('SADD', sets[to], n)
			end
			if to == 'occupied' then
				redis.call('HSET', KEYS[4], n, ARGV[6])
			elseif from == 'occupied' then
				redis.call('HDEL', KEYS[4], n)
			end
		end
		if to == 'occupied' then
			redis.call('SET', KEYS[5], ARGV[7])
		end
		result[1] = 1
		return result
	`
)

func raffleKey(raffleID int64) string    { return fmt.Sprintf(raffleKeyFormat, raffleID) }
func availableKey(raffleID int64) string { return raffleKey(raffleID) + ":available" }
func reservedKey(raffleID int64) string  { return raffleKey(raffleID) + ":reserved" }
func occupiedKey(raffleID int64) string  { return raffleKey(raffleID) + ":occupied" }
func ownerKey(raffleID int64) string     { return raffleKey(raffleID) + ":owner" }

func purchaseKey(raffleID int64, purchaseID string) string {
	return raffleKey(raffleID) + ":purchase:" + purchaseID
}

// RedisRepository 基于Lua脚本原子操作的票号池
// available/occupied 为SET，reserved 为ZSET(score=预留时间毫秒)
type RedisRepository struct {
	client  *redis.Client
	scripts map[string]*redis.Script
}

func NewRedisRepository(cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := NewRedisRepositoryWithClient(client)
	if err := repo.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}
	return repo, nil
}

// NewRedisRepositoryWithClient 使用已有客户端创建仓库，脚本在首次执行时加载
func NewRedisRepositoryWithClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
		scripts: map[string]*redis.Script{
			"createRaffle":      redis.NewScript(CreateRaffleScript),
			"updateRaffleState": redis.NewScript(UpdateRaffleStateScript),
			"transition":        redis.NewScript(TransitionScript),
		},
	}
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	for name, script := range r.scripts {
		if err := script.Load(ctx, r.client).Err(); err != nil {
			return fmt.Errorf("加载脚本 %s 失败: %w", name, err)
		}
	}
	return nil
}

// CreateRaffle 创建抽奖并生成 1..N 全部可用票号
func (r *RedisRepository) CreateRaffle(ctx context.Context, raffle *model.Raffle) error {
	if raffle.TotalTickets <= 0 {
		return model.ErrInvalidQuantity
	}

	endDate := ""
	if !raffle.EndDate.IsZero() {
		endDate = raffle.EndDate.UTC().Format(time.RFC3339)
	}
	created, err := r.scripts["createRaffle"].Run(ctx, r.client,
		[]string{raffleKey(raffle.ID), availableKey(raffle.ID)},
		raffle.Title,
		strconv.FormatFloat(raffle.TicketPrice, 'f', -1, 64),
		raffle.TotalTickets,
		string(raffle.State),
		endDate,
	).Int()
	if err != nil {
		return model.StoreError("创建抽奖失败", err)
	}
	if created == 0 {
		return fmt.Errorf("抽奖 %d: %w", raffle.ID, model.ErrRaffleExists)
	}

	if err := r.client.SAdd(ctx, RafflesKey, raffle.ID).Err(); err != nil {
		return model.StoreError("登记抽奖失败", err)
	}
	return nil
}

// GetRaffle 获取抽奖
func (r *RedisRepository) GetRaffle(ctx context.Context, raffleID int64) (*model.Raffle, error) {
	data, err := r.client.HGetAll(ctx, raffleKey(raffleID)).Result()
	if err != nil {
		return nil, model.StoreError("获取抽奖失败", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("抽奖 %d: %w", raffleID, model.ErrRaffleNotFound)
	}

	raffle := &model.Raffle{
		ID:    raffleID,
		Title: data["title"],
		State: model.RaffleState(data["state"]),
	}
	if raffle.TicketPrice, err = strconv.ParseFloat(data["ticketPrice"], 64); err != nil {
		return nil, fmt.Errorf("解析票价失败: %w", err)
	}
	if raffle.TotalTickets, err = strconv.Atoi(data["totalTickets"]); err != nil {
		return nil, fmt.Errorf("解析票号总数失败: %w", err)
	}
	if data["endDate"] != "" {
		if raffle.EndDate, err = time.Parse(time.RFC3339, data["endDate"]); err != nil {
			return nil, fmt.Errorf("解析截止时间失败: %w", err)
		}
	}
	return raffle, nil
}

// UpdateRaffleState 仅当当前状态为 from 时更新
func (r *RedisRepository) UpdateRaffleState(ctx context.Context, raffleID int64, from, to model.RaffleState) error {
	res, err := r.scripts["updateRaffleState"].Run(ctx, r.client,
		[]string{raffleKey(raffleID)}, string(from), string(to)).Int()
	if err != nil {
		return model.StoreError("更新抽奖状态失败", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("抽奖 %d: %w", raffleID, model.ErrRaffleNotFound)
	case 0:
		return fmt.Errorf("抽奖 %d %s→%s: %w", raffleID, from, to, model.ErrInvalidRaffleState)
	}
	return nil
}

// ListRafflesWithReservations 存在预留票号的抽奖
func (r *RedisRepository) ListRafflesWithReservations(ctx context.Context) ([]int64, error) {
	members, err := r.client.SMembers(ctx, RafflesKey).Result()
	if err != nil {
		return nil, model.StoreError("获取抽奖列表失败", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("解析抽奖ID %q 失败: %w", m, err)
		}
		ids = append(ids, id)
	}

	pipe := r.client.Pipeline()
	cards := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cards[i] = pipe.ZCard(ctx, reservedKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, model.StoreError("统计预留票号失败", err)
		}
	}

	var result []int64
	for i, id := range ids {
		if cards[i].Val() > 0 {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// CountByState 统计某状态票号数量
func (r *RedisRepository) CountByState(ctx context.Context, raffleID int64, state model.TicketState) (int, error) {
	var cmd *redis.IntCmd
	switch state {
	case model.TicketAvailable:
		cmd = r.client.SCard(ctx, availableKey(raffleID))
	case model.TicketReserved:
		cmd = r.client.ZCard(ctx, reservedKey(raffleID))
	case model.TicketOccupied:
		cmd = r.client.SCard(ctx, occupiedKey(raffleID))
	default:
		return 0, fmt.Errorf("未知票号状态: %q", state)
	}
	n, err := cmd.Result()
	if err != nil {
		return 0, model.StoreError("统计票号失败", err)
	}
	return int(n), nil
}

// ListAvailable 全部可用票号，仅供分配引擎抽样
func (r *RedisRepository) ListAvailable(ctx context.Context, raffleID int64) ([]int, error) {
	members, err := r.client.SMembers(ctx, availableKey(raffleID)).Result()
	if err != nil {
		return nil, model.StoreError("获取可用票号失败", err)
	}
	return parseNumbers(members)
}

// ListReserved 预留票号，before 非零时只返回 reserved_at <= before 的
func (r *RedisRepository) ListReserved(ctx context.Context, raffleID int64, before time.Time) ([]int, error) {
	upper := "+inf"
	if !before.IsZero() {
		upper = strconv.FormatInt(before.UnixMilli(), 10)
	}
	members, err := r.client.ZRangeByScore(ctx, reservedKey(raffleID), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, model.StoreError("获取预留票号失败", err)
	}
	numbers, err := parseNumbers(members)
	if err != nil {
		return nil, err
	}
	sort.Ints(numbers)
	return numbers, nil
}

// CompareAndTransition 条件迁移，由Lua脚本保证全部成功或全部不变
func (r *RedisRepository) CompareAndTransition(ctx context.Context, tr model.Transition) error {
	if err := validateTransition(tr); err != nil {
		return err
	}

	purchaseID, purchaseJSON := "", ""
	if tr.To == model.TicketOccupied {
		data, err := json.Marshal(tr.Purchase)
		if err != nil {
			return fmt.Errorf("序列化购买记录失败: %w", err)
		}
		purchaseID, purchaseJSON = tr.Purchase.ID, string(data)
	}

	args := make([]interface{}, 0, 7+len(tr.Numbers))
	args = append(args,
		string(tr.From),
		string(tr.To),
		tr.At.UnixMilli(),
		millisOrNone(tr.ReservedBefore),
		millisOrNone(tr.ReservedAfter),
		purchaseID,
		purchaseJSON,
	)
	for _, n := range tr.Numbers {
		args = append(args, n)
	}

	keys := []string{
		availableKey(tr.RaffleID),
		reservedKey(tr.RaffleID),
		occupiedKey(tr.RaffleID),
		ownerKey(tr.RaffleID),
		purchaseKey(tr.RaffleID, purchaseID),
	}
	result, err := r.scripts["transition"].Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return model.StoreError("执行迁移脚本失败", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) == 0 {
		return fmt.Errorf("LUA脚本返回格式错误")
	}
	status, ok := resultSlice[0].(int64)
	if !ok {
		return fmt.Errorf("LUA脚本返回状态码类型错误")
	}
	if status == 1 {
		return nil
	}

	taken := make([]int, 0, len(resultSlice)-1)
	for _, v := range resultSlice[1:] {
		s, _ := v.(string)
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("LUA脚本返回票号 %v 无法解析", v)
		}
		taken = append(taken, n)
	}
	return &model.ConflictError{Taken: taken}
}

// QueryOccupied 已售票号分页查询，按票号升序
func (r *RedisRepository) QueryOccupied(ctx context.Context, raffleID int64, filter model.TicketFilter, page model.Page) ([]model.OccupiedTicket, int, error) {
	members, err := r.client.SMembers(ctx, occupiedKey(raffleID)).Result()
	if err != nil {
		return nil, 0, model.StoreError("获取已售票号失败", err)
	}
	numbers, err := parseNumbers(members)
	if err != nil {
		return nil, 0, err
	}
	sort.Ints(numbers)

	if filter.Number > 0 {
		idx := sort.SearchInts(numbers, filter.Number)
		if idx < len(numbers) && numbers[idx] == filter.Number {
			numbers = []int{filter.Number}
		} else {
			numbers = nil
		}
	}
	if len(numbers) == 0 {
		return []model.OccupiedTicket{}, 0, nil
	}

	fields := make([]string, len(numbers))
	for i, n := range numbers {
		fields[i] = strconv.Itoa(n)
	}
	owners, err := r.client.HMGet(ctx, ownerKey(raffleID), fields...).Result()
	if err != nil {
		return nil, 0, model.StoreError("获取票号归属失败", err)
	}

	purchases := make(map[string]*model.Purchase)
	var purchaseKeys, purchaseIDs []string
	for _, o := range owners {
		pid, _ := o.(string)
		if _, ok := purchases[pid]; ok || pid == "" {
			continue
		}
		purchases[pid] = nil
		purchaseIDs = append(purchaseIDs, pid)
		purchaseKeys = append(purchaseKeys, purchaseKey(raffleID, pid))
	}
	if len(purchaseKeys) > 0 {
		values, err := r.client.MGet(ctx, purchaseKeys...).Result()
		if err != nil {
			return nil, 0, model.StoreError("获取购买记录失败", err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var p model.Purchase
			if err := json.Unmarshal([]byte(s), &p); err != nil {
				return nil, 0, fmt.Errorf("解析购买记录 %s 失败: %w", purchaseIDs[i], err)
			}
			purchases[purchaseIDs[i]] = &p
		}
	}

	name := strings.ToLower(filter.Name)
	matched := []model.OccupiedTicket{}
	for i, n := range numbers {
		pid, _ := owners[i].(string)
		p := purchases[pid]
		if p == nil {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(p.Buyer.Name), name) {
			continue
		}
		if filter.Document != "" && !strings.Contains(p.Buyer.Document, filter.Document) {
			continue
		}
		if filter.Phone != "" && !strings.Contains(p.Buyer.Phone, filter.Phone) {
			continue
		}
		matched = append(matched, model.OccupiedTicket{
			RaffleID:    raffleID,
			Number:      n,
			PurchaseID:  p.ID,
			Buyer:       p.Buyer,
			PurchasedAt: p.PurchasedAt,
		})
	}

	total := len(matched)
	start := min(page.Offset(), total)
	end := min(start+page.Size, total)
	return matched[start:end], total, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func parseNumbers(members []string) ([]int, error) {
	numbers := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("解析票号 %q 失败: %w", m, err)
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}

func millisOrNone(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.UnixMilli()
}
