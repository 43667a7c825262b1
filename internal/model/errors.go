package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidQuantity      = errors.New("票号数量无效")
	ErrInsufficientTickets  = errors.New("可用票号不足")
	ErrReservationExpired   = errors.New("预留已失效")
	ErrStoreUnavailable     = errors.New("票号存储不可用")
	ErrRaffleNotFound       = errors.New("抽奖不存在")
	ErrRaffleExists         = errors.New("抽奖已存在")
	ErrRaffleNotActive      = errors.New("抽奖未处于进行中")
	ErrInvalidRaffleState   = errors.New("抽奖状态迁移无效")
	ErrUnauthorized         = errors.New("需要管理员权限")
	ErrInvalidBuyer         = errors.New("购买人信息不完整")
	ErrInvalidTicketNumbers = errors.New("票号列表无效")
	ErrTransitionConflict   = errors.New("票号状态已变化")
)

// InsufficientTicketsError 可用数量不足，带上实时可用数量
type InsufficientTicketsError struct {
	Requested int
	Available int
}

func (e *InsufficientTicketsError) Error() string {
	return fmt.Sprintf("%s: 请求 %d 张, 剩余 %d 张", ErrInsufficientTickets, e.Requested, e.Available)
}

func (e *InsufficientTicketsError) Unwrap() error { return ErrInsufficientTickets }

// ConflictError 条件迁移失败，Taken 为不再处于预期状态的票号
type ConflictError struct {
	Taken []int
}

func (e *ConflictError) Error() string {
	nums := make([]string, len(e.Taken))
	for i, n := range e.Taken {
		nums[i] = fmt.Sprint(n)
	}
	return fmt.Sprintf("%s: [%s]", ErrTransitionConflict, strings.Join(nums, ","))
}

func (e *ConflictError) Unwrap() error { return ErrTransitionConflict }

// StoreError 把后端错误包装为 ErrStoreUnavailable，同时保留原始错误
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// IsRetryable 调用方可以稍后重试的错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrInsufficientTickets) ||
		errors.Is(err, ErrReservationExpired)
}
