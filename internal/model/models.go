package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// TicketState 票号状态
type TicketState string

const (
	TicketAvailable TicketState = "available"
	TicketReserved  TicketState = "reserved"
	TicketOccupied  TicketState = "occupied"
)

// Valid 是否为已知状态
func (s TicketState) Valid() bool {
	switch s {
	case TicketAvailable, TicketReserved, TicketOccupied:
		return true
	}
	return false
}

// RaffleState 抽奖生命周期
type RaffleState string

const (
	RaffleUpcoming RaffleState = "upcoming"
	RaffleActive   RaffleState = "active"
	RaffleFinished RaffleState = "finished"
)

// CanTransitionTo 生命周期只能向前推进: upcoming → active → finished
func (s RaffleState) CanTransitionTo(next RaffleState) bool {
	switch s {
	case RaffleUpcoming:
		return next == RaffleActive
	case RaffleActive:
		return next == RaffleFinished
	}
	return false
}

// Raffle 抽奖活动，票号总数在生成票号后不可变
type Raffle struct {
	ID           int64       `json:"id"`
	Title        string      `json:"title"`
	TicketPrice  float64     `json:"ticketPrice"`
	TotalTickets int         `json:"totalTickets"`
	State        RaffleState `json:"state"`
	EndDate      time.Time   `json:"endDate"`
}

// Ticket 单个票号
type Ticket struct {
	RaffleID   int64       `json:"raffleId"`
	Number     int         `json:"number"`
	State      TicketState `json:"state"`
	ReservedAt *time.Time  `json:"reservedAt,omitempty"`
	PurchaseID string      `json:"purchaseId,omitempty"`
}

// Buyer 购买人信息
type Buyer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Document string `json:"document"`
}

// Validate 姓名、邮箱、证件号必填，电话可选
func (b Buyer) Validate() error {
	var missing []string
	if strings.TrimSpace(b.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(b.Document) == "" {
		missing = append(missing, "document")
	}
	if strings.TrimSpace(b.Email) == "" {
		missing = append(missing, "email")
	} else if _, err := mail.ParseAddress(b.Email); err != nil {
		return fmt.Errorf("邮箱格式错误 %q: %w", b.Email, ErrInvalidBuyer)
	}
	if len(missing) > 0 {
		return fmt.Errorf("缺少 %s: %w", strings.Join(missing, ", "), ErrInvalidBuyer)
	}
	return nil
}

// Purchase 购买记录，仅在确认购买时创建，之后不再修改
type Purchase struct {
	ID          string    `json:"id"`
	RaffleID    int64     `json:"raffleId"`
	Buyer       Buyer     `json:"buyer"`
	Numbers     []int     `json:"numbers"`
	PurchasedAt time.Time `json:"purchasedAt"`
}

// OccupiedTicket 已售票号及其购买人，查询服务的返回行
type OccupiedTicket struct {
	RaffleID    int64     `json:"raffleId"`
	Number      int       `json:"number"`
	PurchaseID  string    `json:"purchaseId"`
	Buyer       Buyer     `json:"buyer"`
	PurchasedAt time.Time `json:"purchasedAt"`
}

// RaffleStats 各状态票号数量
type RaffleStats struct {
	RaffleID  int64 `json:"raffleId"`
	Total     int   `json:"total"`
	Available int   `json:"available"`
	Reserved  int   `json:"reserved"`
	Occupied  int   `json:"occupied"`
}

// Transition 条件状态迁移请求：所有票号都处于 From 时才整体迁移到 To
type Transition struct {
	RaffleID int64
	Numbers  []int
	From     TicketState
	To       TicketState
	// At 迁移时间，To 为 reserved 时写入 reserved_at
	At time.Time
	// ReservedBefore 非零时要求 reserved_at <= ReservedBefore (过期回收用)
	ReservedBefore time.Time
	// ReservedAfter 非零时要求 reserved_at > ReservedAfter (确认购买时排除已过期的预留)
	ReservedAfter time.Time
	// Purchase To 为 occupied 时必填
	Purchase *Purchase
}

// Page 分页参数，Number 从1开始
type Page struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

// Offset 偏移量
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// TicketFilter 已售票号过滤条件，只能有一个维度生效
type TicketFilter struct {
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Number   int    `json:"number,omitempty"`
}

// OccupiedPage 查询结果
type OccupiedPage struct {
	Tickets    []OccupiedTicket `json:"tickets"`
	TotalCount int              `json:"totalCount"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	TotalPages int              `json:"totalPages"`
}

// ReserveResult 预留结果
type ReserveResult struct {
	RaffleID  int64       `json:"raffleId"`
	Numbers   []int       `json:"numbers"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Stats     RaffleStats `json:"stats"`
	// StatsStale 票号已迁移但统计读取失败，Stats 为空
	StatsStale bool `json:"statsStale"`
}

// PurchaseResult 确认购买/直接出票结果
type PurchaseResult struct {
	RaffleID   int64       `json:"raffleId"`
	Numbers    []int       `json:"numbers"`
	PurchaseID string      `json:"purchaseId"`
	Stats      RaffleStats `json:"stats"`
	StatsStale bool        `json:"statsStale"`
}

// ReleaseResult 释放结果
type ReleaseResult struct {
	Released int `json:"released"`
}
