package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// CVClient 封装了与 cv-server 的连接
type CVClient struct {
	conn *grpc.ClientConn

	Health healthpb.HealthClient
}

// NewCVClient 创建客户端，连接在后台建立
func NewCVClient(addr string, extra ...grpc.DialOption) (*CVClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	// 这里的 err 只是配置错误 (如地址格式不对)，网络不通不会在这里报错
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}

	return &CVClient{
		conn:   conn,
		Health: healthpb.NewHealthClient(conn),
	}, nil
}

// Check 返回 service 的服务状态，service 为空表示整个守护进程
func (c *CVClient) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *CVClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
