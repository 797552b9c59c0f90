// Package tenant 在 context 中显式传递租户。
package tenant

import "context"

type ctxKey struct{}

// Default 是未指定租户时使用的值
const Default = "default"

func With(ctx context.Context, name string) context.Context {
	if name == "" {
		name = Default
	}
	return context.WithValue(ctx, ctxKey{}, name)
}

// From 读取租户，未设置时返回 Default
func From(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok && v != "" {
		return v
	}
	return Default
}
