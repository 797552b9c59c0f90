// Package server 提供守护进程的 gRPC 外壳 (health + reflection) 和维护调度器。
package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// MaintenanceService 是维护调度器在 health 服务中登记的名字
const MaintenanceService = "coldvault.Maintenance"

// New 创建带拦截器的 gRPC 服务器，并注册 health 和 reflection
// 返回的 health.Server 由调用方 (调度器) 更新状态
func New(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryRecoveryInterceptor, UnaryLoggingInterceptor),
		grpc.ChainStreamInterceptor(StreamRecoveryInterceptor, StreamLoggingInterceptor),
	}, opts...)
	srv := grpc.NewServer(opts...)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(MaintenanceService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	// grpcurl 调试用
	reflection.Register(srv)
	return srv, hs
}
