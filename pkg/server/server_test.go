package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coldvault/pkg/client"
	"coldvault/pkg/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// ---- 1. 测试替身 ----

type fakeMaintainer struct {
	mu       sync.Mutex
	runs     atomic.Int32
	checks   atomic.Int32
	runErr   error
	lastRefs []engine.FileReference
}

func (f *fakeMaintainer) RunPeriodicAction(ctx context.Context, p engine.PeriodicProgress) error {
	f.runs.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runErr
}

func (f *fakeMaintainer) CheckPendingActions(ctx context.Context, refs []engine.FileReference, p engine.PeriodicProgress) error {
	f.checks.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefs = refs
	return nil
}

func (f *fakeMaintainer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErr = err
}

type staticPending []engine.FileReference

func (s staticPending) PendingReferences(ctx context.Context) ([]engine.FileReference, error) {
	return s, nil
}

func mustServe(t *testing.T) (*client.CVClient, func(service string, st healthpb.HealthCheckResponse_ServingStatus)) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, hs := New()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cli, err := client.NewCVClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli, hs.SetServingStatus
}

// ---- 2. gRPC 外壳 ----

func TestServer_Health(t *testing.T) {
	cli, set := mustServe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := cli.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	set(MaintenanceService, healthpb.HealthCheckResponse_NOT_SERVING)
	st, err = cli.Check(ctx, MaintenanceService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_, err = cli.Check(ctx, "no.such.Service")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRecoveryInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/test/Panic"}
	_, err := UnaryRecoveryInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

// ---- 3. 调度器 ----

func TestScheduler_HealthFollowsOutcome(t *testing.T) {
	_, hs := New()
	m := &fakeMaintainer{}
	s := NewScheduler(m, nil, engine.Fanout{}, hs, SchedulerConfig{Interval: time.Hour})
	ctx := context.Background()

	m.setErr(errors.New("upload failed"))
	s.report("periodic", s.RunOnce(ctx))
	resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: MaintenanceService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	m.setErr(nil)
	s.report("periodic", s.RunOnce(ctx))
	resp, err = hs.Check(ctx, &healthpb.HealthCheckRequest{Service: MaintenanceService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	// 关机打断不改变状态
	s.report("periodic", context.Canceled)
	resp, err = hs.Check(ctx, &healthpb.HealthCheckRequest{Service: MaintenanceService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestScheduler_RunTicksUntilCancelled(t *testing.T) {
	m := &fakeMaintainer{}
	refs := staticPending{{URL: "n/1.zip?fileName=a", PendingActionRemaining: true}}
	s := NewScheduler(m, refs, engine.Fanout{}, nil, SchedulerConfig{
		Interval:             5 * time.Millisecond,
		CheckPendingInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return m.runs.Load() >= 2 && m.checks.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []engine.FileReference(refs), m.lastRefs)
}

func TestScheduler_CheckSkipsEmptyLedger(t *testing.T) {
	m := &fakeMaintainer{}
	s := NewScheduler(m, staticPending{}, engine.Fanout{}, nil, SchedulerConfig{})
	require.NoError(t, s.CheckOnce(context.Background()))
	assert.Zero(t, m.checks.Load())
}
