package repository

import (
	"fmt"

	"github.com/lvdashuaibi/rafflepool/internal/model"
)

// validateTransition 迁移请求本身的合法性检查，不访问存储
func validateTransition(tr model.Transition) error {
	if len(tr.Numbers) == 0 {
		return fmt.Errorf("空票号列表: %w", model.ErrInvalidTicketNumbers)
	}
	seen := make(map[int]struct{}, len(tr.Numbers))
	for _, n := range tr.Numbers {
		if n <= 0 {
			return fmt.Errorf("票号 %d: %w", n, model.ErrInvalidTicketNumbers)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("重复票号 %d: %w", n, model.ErrInvalidTicketNumbers)
		}
		seen[n] = struct{}{}
	}
	if !tr.From.Valid() || !tr.To.Valid() || tr.From == tr.To {
		return fmt.Errorf("无效迁移 %s→%s: %w", tr.From, tr.To, model.ErrInvalidTicketNumbers)
	}
	if tr.To == model.TicketReserved && tr.At.IsZero() {
		return fmt.Errorf("预留迁移缺少时间")
	}
	if tr.To == model.TicketOccupied && (tr.Purchase == nil || tr.Purchase.ID == "") {
		return fmt.Errorf("占用迁移缺少购买记录")
	}
	return nil
}

// matchesPrecondition 单个票号是否满足迁移前置条件
func matchesPrecondition(t model.Ticket, tr model.Transition) bool {
	if t.State != tr.From {
		return false
	}
	if tr.From != model.TicketReserved {
		return true
	}
	if t.ReservedAt == nil {
		return tr.ReservedBefore.IsZero() && tr.ReservedAfter.IsZero()
	}
	if !tr.ReservedBefore.IsZero() && t.ReservedAt.After(tr.ReservedBefore) {
		return false
	}
	if !tr.ReservedAfter.IsZero() && !t.ReservedAt.After(tr.ReservedAfter) {
		return false
	}
	return true
}
