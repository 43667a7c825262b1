package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/rafflepool/config"
	"github.com/lvdashuaibi/rafflepool/internal/model"
)

const (
	mysqlDuplicateEntry = 1062
	ticketInsertBatch   = 500
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS raffles (
		id BIGINT PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		ticket_price DECIMAL(12,2) NOT NULL,
		total_tickets INT NOT NULL,
		state VARCHAR(16) NOT NULL DEFAULT 'upcoming',
		end_date DATETIME(3) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id CHAR(36) PRIMARY KEY,
		raffle_id BIGINT NOT NULL,
		buyer_name VARCHAR(255) NOT NULL,
		buyer_email VARCHAR(255) NOT NULL,
		buyer_phone VARCHAR(64) NOT NULL DEFAULT '',
		buyer_document VARCHAR(64) NOT NULL,
		purchased_at DATETIME(3) NOT NULL,
		KEY idx_purchases_raffle (raffle_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		raffle_id BIGINT NOT NULL,
		number INT NOT NULL,
		state VARCHAR(16) NOT NULL DEFAULT 'available',
		reserved_at DATETIME(3) NULL,
		purchase_id CHAR(36) NULL,
		PRIMARY KEY (raffle_id, number),
		KEY idx_tickets_state (raffle_id, state, reserved_at)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_id CHAR(36) NOT NULL,
		event_type VARCHAR(16) NOT NULL,
		raffle_id BIGINT NOT NULL,
		numbers TEXT NOT NULL,
		ticket_count INT NOT NULL,
		purchase_id CHAR(36) NULL,
		occurred_at DATETIME(3) NOT NULL,
		UNIQUE KEY uk_ticket_events_event (event_id)
	)`,
}

// MySQLRepository 持久化票号存储，条件迁移依赖行锁事务
type MySQLRepository struct {
	db *sql.DB
}

func NewMySQLRepository(cfg config.MySQLConfig) (*MySQLRepository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &MySQLRepository{db: db}, nil
}

// NewMySQLRepositoryWithDB 使用已有连接创建仓库
func NewMySQLRepositoryWithDB(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

// Migrate 创建表结构
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建表结构失败: %w", err)
		}
	}
	return nil
}

// CreateRaffle 创建抽奖并生成 1..N 全部可用票号
func (r *MySQLRepository) CreateRaffle(ctx context.Context, raffle *model.Raffle) error {
	if raffle.TotalTickets <= 0 {
		return model.ErrInvalidQuantity
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StoreError("开始事务失败", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO raffles (id, title, ticket_price, total_tickets, state, end_date) VALUES (?, ?, ?, ?, ?, ?)",
		raffle.ID, raffle.Title, raffle.TicketPrice, raffle.TotalTickets, raffle.State, nullTime(raffle.EndDate),
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return fmt.Errorf("抽奖 %d: %w", raffle.ID, model.ErrRaffleExists)
		}
		return model.StoreError("插入抽奖失败", err)
	}

	for start := 1; start <= raffle.TotalTickets; start += ticketInsertBatch {
		end := min(start+ticketInsertBatch-1, raffle.TotalTickets)
		var sb strings.Builder
		sb.WriteString("INSERT INTO tickets (raffle_id, number, state) VALUES ")
		args := make([]interface{}, 0, (end-start+1)*3)
		for n := start; n <= end; n++ {
			if n > start {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?)")
			args = append(args, raffle.ID, n, model.TicketAvailable)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return model.StoreError("生成票号失败", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.StoreError("提交事务失败", err)
	}
	return nil
}

// GetRaffle 获取抽奖
func (r *MySQLRepository) GetRaffle(ctx context.Context, raffleID int64) (*model.Raffle, error) {
	var raffle model.Raffle
	var endDate sql.NullTime
	err := r.db.QueryRowContext(ctx,
		"SELECT id, title, ticket_price, total_tickets, state, end_date FROM raffles WHERE id = ?", raffleID,
	).Scan(&raffle.ID, &raffle.Title, &raffle.TicketPrice, &raffle.TotalTickets, &raffle.State, &endDate)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("抽奖 %d: %w", raffleID, model.ErrRaffleNotFound)
		}
		return nil, model.StoreError("查询抽奖失败", err)
	}
	if endDate.Valid {
		raffle.EndDate = endDate.Time
	}
	return &raffle, nil
}

// UpdateRaffleState 仅当当前状态为 from 时更新
func (r *MySQLRepository) UpdateRaffleState(ctx context.Context, raffleID int64, from, to model.RaffleState) error {
	res, err := r.db.ExecContext(ctx, "UPDATE raffles SET state = ? WHERE id = ? AND state = ?", to, raffleID, from)
	if err != nil {
		return model.StoreError("更新抽奖状态失败", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.StoreError("获取更新结果失败", err)
	}
	if n == 0 {
		return fmt.Errorf("抽奖 %d %s→%s: %w", raffleID, from, to, model.ErrInvalidRaffleState)
	}
	return nil
}

// ListRafflesWithReservations 存在预留票号的抽奖
func (r *MySQLRepository) ListRafflesWithReservations(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT raffle_id FROM tickets WHERE state = ?", model.TicketReserved)
	if err != nil {
		return nil, model.StoreError("查询预留抽奖失败", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, model.StoreError("扫描抽奖ID失败", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StoreError("迭代抽奖ID失败", err)
	}
	return ids, nil
}

// CountByState 统计某状态票号数量
func (r *MySQLRepository) CountByState(ctx context.Context, raffleID int64, state model.TicketState) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tickets WHERE raffle_id = ? AND state = ?", raffleID, state,
	).Scan(&count)
	if err != nil {
		return 0, model.StoreError("统计票号失败", err)
	}
	return count, nil
}

// ListAvailable 全部可用票号，仅供分配引擎抽样
func (r *MySQLRepository) ListAvailable(ctx context.Context, raffleID int64) ([]int, error) {
	return r.listNumbers(ctx,
		"SELECT number FROM tickets WHERE raffle_id = ? AND state = ?", raffleID, model.TicketAvailable)
}

// ListReserved 预留票号，before 非零时只返回 reserved_at <= before 的
func (r *MySQLRepository) ListReserved(ctx context.Context, raffleID int64, before time.Time) ([]int, error) {
	if before.IsZero() {
		return r.listNumbers(ctx,
			"SELECT number FROM tickets WHERE raffle_id = ? AND state = ? ORDER BY number",
			raffleID, model.TicketReserved)
	}
	return r.listNumbers(ctx,
		"SELECT number FROM tickets WHERE raffle_id = ? AND state = ? AND reserved_at <= ? ORDER BY number",
		raffleID, model.TicketReserved, before.UTC())
}

func (r *MySQLRepository) listNumbers(ctx context.Context, query string, args ...interface{}) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.StoreError("查询票号失败", err)
	}
	defer rows.Close()

	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, model.StoreError("扫描票号失败", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StoreError("迭代票号失败", err)
	}
	return numbers, nil
}

// CompareAndTransition 条件迁移: 行锁住全部票号，只有全部满足前置条件才整体更新
func (r *MySQLRepository) CompareAndTransition(ctx context.Context, tr model.Transition) error {
	if err := validateTransition(tr); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StoreError("开始事务失败", err)
	}
	defer tx.Rollback()

	in := placeholders(len(tr.Numbers))
	args := make([]interface{}, 0, len(tr.Numbers)+1)
	args = append(args, tr.RaffleID)
	for _, n := range tr.Numbers {
		args = append(args, n)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT number, state, reserved_at FROM tickets WHERE raffle_id = ? AND number IN ("+in+") FOR UPDATE",
		args...)
	if err != nil {
		return model.StoreError("锁定票号失败", err)
	}
	current := make(map[int]model.Ticket, len(tr.Numbers))
	for rows.Next() {
		var t model.Ticket
		var reservedAt sql.NullTime
		if err := rows.Scan(&t.Number, &t.State, &reservedAt); err != nil {
			rows.Close()
			return model.StoreError("扫描票号失败", err)
		}
		if reservedAt.Valid {
			ts := reservedAt.Time
			t.ReservedAt = &ts
		}
		current[t.Number] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.StoreError("迭代票号失败", err)
	}

	var taken []int
	for _, n := range tr.Numbers {
		t, ok := current[n]
		if !ok || !matchesPrecondition(t, tr) {
			taken = append(taken, n)
		}
	}
	if len(taken) > 0 {
		return &model.ConflictError{Taken: taken}
	}

	var reservedAt, purchaseID interface{}
	switch tr.To {
	case model.TicketReserved:
		reservedAt = tr.At.UTC()
	case model.TicketOccupied:
		p := tr.Purchase
		_, err := tx.ExecContext(ctx,
			"INSERT INTO purchases (id, raffle_id, buyer_name, buyer_email, buyer_phone, buyer_document, purchased_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			p.ID, tr.RaffleID, p.Buyer.Name, p.Buyer.Email, p.Buyer.Phone, p.Buyer.Document, p.PurchasedAt.UTC(),
		)
		if err != nil {
			return model.StoreError("保存购买记录失败", err)
		}
		purchaseID = p.ID
	}

	updateArgs := append([]interface{}{tr.To, reservedAt, purchaseID}, args...)
	updateArgs = append(updateArgs, tr.From)
	res, err := tx.ExecContext(ctx,
		"UPDATE tickets SET state = ?, reserved_at = ?, purchase_id = ? WHERE raffle_id = ? AND number IN ("+in+") AND state = ?",
		updateArgs...)
	if err != nil {
		return model.StoreError("更新票号状态失败", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.StoreError("获取更新结果失败", err)
	}
	if int(affected) != len(tr.Numbers) {
		// 行锁下不应发生，出现即说明有绕过事务的写入
		return model.StoreError("更新行数不符", fmt.Errorf("期望 %d 行, 实际 %d 行", len(tr.Numbers), affected))
	}

	if err := tx.Commit(); err != nil {
		return model.StoreError("提交事务失败", err)
	}
	return nil
}

// QueryOccupied 已售票号分页查询，按票号升序
func (r *MySQLRepository) QueryOccupied(ctx context.Context, raffleID int64, filter model.TicketFilter, page model.Page) ([]model.OccupiedTicket, int, error) {
	where := []string{"t.raffle_id = ?", "t.state = ?"}
	args := []interface{}{raffleID, model.TicketOccupied}
	if filter.Name != "" {
		where = append(where, "LOWER(p.buyer_name) LIKE ?")
		args = append(args, "%"+escapeLike(strings.ToLower(filter.Name))+"%")
	}
	if filter.Document != "" {
		where = append(where, "p.buyer_document LIKE ?")
		args = append(args, "%"+escapeLike(filter.Document)+"%")
	}
	if filter.Phone != "" {
		where = append(where, "p.buyer_phone LIKE ?")
		args = append(args, "%"+escapeLike(filter.Phone)+"%")
	}
	if filter.Number > 0 {
		where = append(where, "t.number = ?")
		args = append(args, filter.Number)
	}
	from := " FROM tickets t JOIN purchases p ON p.id = t.purchase_id WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, model.StoreError("统计已售票号失败", err)
	}
	if total == 0 {
		return []model.OccupiedTicket{}, 0, nil
	}

	pageArgs := append(append([]interface{}{}, args...), page.Size, page.Offset())
	rows, err := r.db.QueryContext(ctx,
		"SELECT t.number, p.id, p.buyer_name, p.buyer_email, p.buyer_phone, p.buyer_document, p.purchased_at"+
			from+" ORDER BY t.number ASC LIMIT ? OFFSET ?",
		pageArgs...)
	if err != nil {
		return nil, 0, model.StoreError("查询已售票号失败", err)
	}
	defer rows.Close()

	tickets := []model.OccupiedTicket{}
	for rows.Next() {
		ot := model.OccupiedTicket{RaffleID: raffleID}
		if err := rows.Scan(&ot.Number, &ot.PurchaseID, &ot.Buyer.Name, &ot.Buyer.Email,
			&ot.Buyer.Phone, &ot.Buyer.Document, &ot.PurchasedAt); err != nil {
			return nil, 0, model.StoreError("扫描已售票号失败", err)
		}
		tickets = append(tickets, ot)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, model.StoreError("迭代已售票号失败", err)
	}
	return tickets, total, nil
}

// SaveTicketEvent 写入审计日志，重复投递的事件被忽略
func (r *MySQLRepository) SaveTicketEvent(ctx context.Context, event *model.TicketEvent) error {
	numbers, err := json.Marshal(event.Numbers)
	if err != nil {
		return fmt.Errorf("序列化票号失败: %w", err)
	}
	var purchaseID interface{}
	if event.PurchaseID != "" {
		purchaseID = event.PurchaseID
	}
	_, err = r.db.ExecContext(ctx,
		"INSERT IGNORE INTO ticket_events (event_id, event_type, raffle_id, numbers, ticket_count, purchase_id, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		event.ID, event.Type, event.RaffleID, string(numbers), event.Count, purchaseID, event.OccurredAt.UTC(),
	)
	if err != nil {
		return model.StoreError("保存票号事件失败", err)
	}
	return nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
