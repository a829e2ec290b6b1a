package context

import (
	stdctx "context"
	"strings"
)

type key int

const (
	requestIDKey key = iota
	actorTypeKey
	actorIDKey
	ipAddressKey
	userAgentKey
)

func WithRequestID(ctx stdctx.Context, requestID string) stdctx.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdctx.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithActor records who triggered the current operation, e.g. ("user", "u-1")
// or ("operator", "ops@market").
func WithActor(ctx stdctx.Context, actorType, actorID string) stdctx.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx stdctx.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func WithIPAddress(ctx stdctx.Context, ip string) stdctx.Context {
	return withString(ctx, ipAddressKey, ip)
}

func IPAddressFromContext(ctx stdctx.Context) string {
	return stringFrom(ctx, ipAddressKey)
}

func WithUserAgent(ctx stdctx.Context, ua string) stdctx.Context {
	return withString(ctx, userAgentKey, ua)
}

func UserAgentFromContext(ctx stdctx.Context) string {
	return stringFrom(ctx, userAgentKey)
}

func withString(ctx stdctx.Context, k key, value string) stdctx.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdctx.WithValue(ctx, k, value)
}

func stringFrom(ctx stdctx.Context, k key) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(k).(string)
	return value
}
