package main

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/grpcapi"
	"github.com/psaab/snfpath/pkg/logging"
)

func newTestCtl(t *testing.T) (*ctl, *dataplane.Manager) {
	t.Helper()
	buf := logging.NewEventBuffer(16)
	dp := dataplane.New(dataplane.Options{Timeout: time.Hour, Events: buf})
	if err := dp.Load(); err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		grpcapi.NewServer("bufnet", grpcapi.Config{DP: dp, EventBuf: buf}).Serve(ctx, lis)
		close(done)
	}()

	client, err := grpcapi.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
		dp.Close()
	})
	return &ctl{client: client, timeout: 5 * time.Second}, dp
}

func TestDispatch(t *testing.T) {
	c, dp := newTestCtl(t)

	for _, line := range []string{
		"status",
		"hooks",
		"states",
		"shadow",
		"fib",
		"fib set 2 7 aa:aa:aa:aa:aa:aa",
		"fib set 0x3 8",
		"events",
		"events drop-filter 5",
		"help",
	} {
		if err := c.dispatch(line); err != nil {
			t.Errorf("%q: %v", line, err)
		}
	}

	if e, ok := dp.FIB().Lookup(3); !ok || e.Ifindex != 8 {
		t.Fatalf("fib set via hex iif: %v, %v", e, ok)
	}
	if err := c.dispatch("fib delete 2"); err != nil {
		t.Fatal(err)
	}
	if _, ok := dp.FIB().Lookup(2); ok {
		t.Fatal("iif 2 still provisioned")
	}
}

func TestDispatchErrors(t *testing.T) {
	c, _ := newTestCtl(t)

	tests := []string{
		"bogus",
		"fib set 1",
		"fib set x 2",
		"fib set 1 0",
		"fib delete",
		"fib frob",
		"state nope",
		"state",  // no traffic yet
		"report", // no timer fired yet
	}
	for _, line := range tests {
		if err := c.dispatch(line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
	if err := c.dispatch("exit"); err != errExit {
		t.Fatalf("exit = %v", err)
	}
	if err := c.dispatch("   "); err != nil {
		t.Fatalf("blank line = %v", err)
	}
}
