package graph

import (
	"context"
	"errors"

	"github.com/lvdashuaibi/rafflepool/internal/model"
	"github.com/lvdashuaibi/rafflepool/internal/service"
)

// apiError 带错误码的GraphQL错误，错误码放在 extensions.code
type apiError struct {
	code    string
	message string
	extra   map[string]interface{}
}

func (e *apiError) Error() string { return e.message }

func (e *apiError) Extensions() map[string]interface{} {
	ext := map[string]interface{}{"code": e.code}
	for k, v := range e.extra {
		ext[k] = v
	}
	return ext
}

var errorCodes = []struct {
	target  error
	code    string
	message string
}{
	{model.ErrInsufficientTickets, "INSUFFICIENT_TICKETS", "可用票号不足，请减少数量后重试"},
	{model.ErrReservationExpired, "RESERVATION_EXPIRED", "预留已失效，请重新选择票号"},
	{model.ErrInvalidQuantity, "INVALID_QUANTITY", ""},
	{model.ErrStoreUnavailable, "STORE_UNAVAILABLE", "服务暂时不可用，请稍后重试"},
	{model.ErrRaffleNotFound, "RAFFLE_NOT_FOUND", ""},
	{model.ErrRaffleExists, "RAFFLE_EXISTS", ""},
	{model.ErrRaffleNotActive, "RAFFLE_NOT_ACTIVE", ""},
	{model.ErrInvalidRaffleState, "INVALID_RAFFLE_STATE", ""},
	{model.ErrUnauthorized, "UNAUTHORIZED", ""},
	{model.ErrInvalidBuyer, "INVALID_BUYER", ""},
	{model.ErrInvalidTicketNumbers, "INVALID_TICKET_NUMBERS", ""},
}

// toGraphQLError 领域错误转换为带错误码的错误。
// 购买人看到固定的提示语，管理员看到原始错误
func toGraphQLError(ctx context.Context, err error) error {
	for _, ec := range errorCodes {
		if !errors.Is(err, ec.target) {
			continue
		}
		apiErr := &apiError{code: ec.code, message: ec.message}
		if apiErr.message == "" || service.IsAdmin(ctx) {
			apiErr.message = err.Error()
		}
		var insufficient *model.InsufficientTicketsError
		if errors.As(err, &insufficient) {
			apiErr.extra = map[string]interface{}{
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			}
		}
		return apiErr
	}
	return err
}
