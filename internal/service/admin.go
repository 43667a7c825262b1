package service

import "context"

type adminKey struct{}

// WithAdmin 在上下文中标记调用方是否为管理员
func WithAdmin(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, adminKey{}, admin)
}

// IsAdmin 上下文中没有标记时视为非管理员
func IsAdmin(ctx context.Context) bool {
	admin, _ := ctx.Value(adminKey{}).(bool)
	return admin
}
