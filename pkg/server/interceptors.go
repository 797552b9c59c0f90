package server

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// 1. Logging Interceptor
// =============================================================================

func UnaryLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logRPC("unary", info.FullMethod, time.Since(start), err)
	return resp, err
}

// StreamLoggingInterceptor 主要覆盖 health Watch
func StreamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	logRPC("stream", info.FullMethod, time.Since(start), err)
	return err
}

// logRPC: OK 为 Info，客户端错误为 Warn，Internal/Unknown 为 Error
func logRPC(kind, method string, duration time.Duration, err error) {
	code := status.Code(err)

	level := zerolog.InfoLevel
	if code != codes.OK {
		if code == codes.Internal || code == codes.Unknown {
			level = zerolog.ErrorLevel
		} else {
			level = zerolog.WarnLevel
		}
	}

	ev := log.WithLevel(level).
		Str("component", "grpc").
		Str("kind", kind).
		Str("method", method).
		Str("code", code.String()).
		Dur("dur", duration)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("gRPC request")
}

// =============================================================================
// 2. Recovery Interceptor
// =============================================================================

func UnaryRecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverFromPanic(info.FullMethod, r)
		}
	}()
	return handler(ctx, req)
}

func StreamRecoveryInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverFromPanic(info.FullMethod, r)
		}
	}()
	return handler(srv, ss)
}

func recoverFromPanic(method string, p any) error {
	log.Error().
		Str("component", "grpc").
		Str("method", method).
		Interface("panic", p).
		Str("stack", string(debug.Stack())).
		Msg("Panic recovered")
	return status.Errorf(codes.Internal, "internal server error: panic recovered")
}
