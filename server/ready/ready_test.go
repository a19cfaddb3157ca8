package ready_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matgreaves/wsrig/server/machine"
	"github.com/matgreaves/wsrig/server/ready"
	"github.com/matgreaves/wsrig/spec"
)

func TestTCPCheck_Success(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := (ready.TCP{}).Check(ctx, ln.Addr().String()); err != nil {
		t.Errorf("expected success, got: %v", err)
	}
}

func TestTCPCheck_Failure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Port 1 is almost certainly not listening.
	if err := (ready.TCP{}).Check(ctx, "127.0.0.1:1"); err == nil {
		t.Error("expected error for closed port")
	}
}

func TestHTTPCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Any response below 500 means the server is answering.
	if err := (&ready.HTTP{Path: "/missing"}).Check(ctx, addr); err != nil {
		t.Errorf("expected success, got: %v", err)
	}
	if err := (&ready.HTTP{Path: "/broken"}).Check(ctx, addr); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestGRPCCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(ln)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := (ready.GRPC{}).Check(ctx, ln.Addr().String()); err != nil {
		t.Errorf("expected SERVING, got: %v", err)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := (ready.GRPC{}).Check(ctx, ln.Addr().String()); err == nil {
		t.Error("expected error for NOT_SERVING")
	}
}

func TestForServer(t *testing.T) {
	tests := []struct {
		protocol string
		want     string
	}{
		{"tcp", "ready.TCP"},
		{"", "ready.TCP"},
		{"http", "*ready.HTTP"},
		{"ws", "*ready.HTTP"},
		{"grpc", "ready.GRPC"},
	}
	for _, tt := range tests {
		got := fmt.Sprintf("%T", ready.ForServer(tt.protocol, ""))
		if got != tt.want {
			t.Errorf("ForServer(%q) = %s, want %s", tt.protocol, got, tt.want)
		}
	}
}

type fakeTarget struct {
	mu      sync.Mutex
	servers map[string]machine.Server
}

func (f *fakeTarget) Servers() map[string]machine.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]machine.Server, len(f.servers))
	for k, v := range f.servers {
		out[k] = v
	}
	return out
}

func (f *fakeTarget) SetServerStatus(ref string, status spec.ServerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.servers[ref]
	s.Status = status
	f.servers[ref] = s
}

func TestServersChecker_CheckOnce(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	target := &fakeTarget{servers: map[string]machine.Server{
		"up":   {Ref: "up", Protocol: "tcp", URL: "tcp://" + ln.Addr().String(), Status: spec.ServerUnknown},
		"down": {Ref: "down", Protocol: "tcp", URL: "tcp://127.0.0.1:1", Status: spec.ServerUnknown},
	}}
	checker := &ready.ServersChecker{Machine: "dev", Target: target}
	checker.CheckOnce(context.Background())

	servers := target.Servers()
	if servers["up"].Status != spec.ServerRunning {
		t.Errorf("up: status = %s, want RUNNING", servers["up"].Status)
	}
	if servers["down"].Status != spec.ServerStopped {
		t.Errorf("down: status = %s, want STOPPED", servers["down"].Status)
	}
}

func TestServersChecker_RunStopsOnCancel(t *testing.T) {
	target := &fakeTarget{servers: map[string]machine.Server{}}
	checker := &ready.ServersChecker{Target: target, Period: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- checker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
