// Package grpcapi implements the gRPC introspection and provisioning
// service and its client.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/logging"
)

// Status is the GetStatus response.
type Status struct {
	Uptime          string   `json:"uptime"`
	DataplaneType   string   `json:"dataplane_type"`
	DataplaneLoaded bool     `json:"dataplane_loaded"`
	Hooks           []string `json:"hooks"`
	FIBEntries      int      `json:"fib_entries"`
	States          int      `json:"states"`
	Events          uint64   `json:"events"`
}

// ForwardingEntry is one provisioned forwarding slot.
type ForwardingEntry struct {
	IIF     uint32 `json:"iif"`
	Ifindex uint32 `json:"ifindex"`
	HDest   string `json:"h_dest"`
	HSource string `json:"h_source"`
}

// ShadowEntry is one shadow-table slot.
type ShadowEntry struct {
	Key  uint32 `json:"key"`
	Hits uint32 `json:"hits"`
}

// EventQuery selects events for ListEvents.
type EventQuery struct {
	Limit   int    `json:"limit"`
	Hook    string `json:"hook,omitempty"`
	Type    string `json:"type,omitempty"`
	Ifindex uint32 `json:"ifindex,omitempty"`
}

type keyRequest struct {
	Key uint32 `json:"key"`
}

type iifRequest struct {
	IIF uint32 `json:"iif"`
}

// Config configures the gRPC server.
type Config struct {
	DP       dataplane.DataPlane
	EventBuf *logging.EventBuffer
}

// Server implements SnfService.
type Server struct {
	dp        dataplane.DataPlane
	eventBuf  *logging.EventBuffer
	startTime time.Time
	addr      string
}

var _ SnfServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		dp:        cfg.DP,
		eventBuf:  cfg.EventBuf,
		startTime: time.Now(),
		addr:      addr,
	}
}

// Run listens on the configured address and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.UnaryInterceptor(logUnary))
	RegisterSnfServiceServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start), "err", err)
	return resp, err
}

// statusErr maps dataplane errors to gRPC status codes.
func statusErr(err error) error {
	switch {
	case errors.Is(err, dataplane.ErrNotLoaded):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, dataplane.ErrNoState):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, dataplane.ErrUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, fib.ErrIndexRange):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) loaded() error {
	if s.dp == nil || !s.dp.IsLoaded() {
		return status.Error(codes.Unavailable, "dataplane not loaded")
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	st, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func decode(in *structpb.Struct, out any) error {
	if err := fromStruct(in, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := Status{Uptime: time.Since(s.startTime).Truncate(time.Second).String()}
	if s.dp != nil {
		st.DataplaneType = s.dp.Type()
		st.DataplaneLoaded = s.dp.IsLoaded()
	}
	if st.DataplaneLoaded {
		st.Hooks = s.dp.Hooks()
		s.dp.IterateForwarding(func(uint32, fib.Entry) bool {
			st.FIBEntries++
			return true
		})
		s.dp.IterateStates(func(dataplane.StateInfo) bool {
			st.States++
			return true
		})
	}
	if s.eventBuf != nil {
		st.Events = s.eventBuf.Seq()
	}
	return reply(st)
}

func (s *Server) GetHookStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	return reply(hookStats{Hooks: s.dp.HookStats()})
}

func (s *Server) GetState(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	var req keyRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	st, err := s.dp.ReadState(req.Key)
	if err != nil {
		return nil, statusErr(err)
	}
	return reply(st)
}

func (s *Server) ListStates(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	states := []dataplane.StateInfo{}
	if err := s.dp.IterateStates(func(st dataplane.StateInfo) bool {
		states = append(states, st)
		return true
	}); err != nil {
		return nil, statusErr(err)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })
	return reply(map[string]any{"states": states})
}

func (s *Server) GetReport(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	rep := s.dp.LastReport()
	if rep == nil {
		return nil, status.Error(codes.NotFound, "no timer report yet")
	}
	return reply(rep)
}

func (s *Server) ListShadow(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	entries := []ShadowEntry{}
	if err := s.dp.IterateShadow(func(key, hits uint32) bool {
		entries = append(entries, ShadowEntry{Key: key, Hits: hits})
		return true
	}); err != nil {
		return nil, statusErr(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return reply(map[string]any{"entries": entries})
}

func forwardingEntry(iif uint32, e fib.Entry) ForwardingEntry {
	return ForwardingEntry{
		IIF:     iif,
		Ifindex: e.Ifindex,
		HDest:   net.HardwareAddr(e.HDest[:]).String(),
		HSource: net.HardwareAddr(e.HSource[:]).String(),
	}
}

func (s *Server) ListForwarding(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	entries := []ForwardingEntry{}
	if err := s.dp.IterateForwarding(func(iif uint32, e fib.Entry) bool {
		entries = append(entries, forwardingEntry(iif, e))
		return true
	}); err != nil {
		return nil, statusErr(err)
	}
	return reply(map[string]any{"entries": entries})
}

func (s *Server) SetForwarding(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	var req ForwardingEntry
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Ifindex == 0 {
		return nil, status.Error(codes.InvalidArgument, "egress ifindex must be non-zero")
	}
	e := fib.Entry{Ifindex: req.Ifindex, HDest: fib.BroadcastMAC}
	if req.HDest != "" {
		mac, err := fib.ParseMAC(req.HDest)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "h_dest: %v", err)
		}
		e.HDest = mac
	}
	if req.HSource != "" {
		mac, err := fib.ParseMAC(req.HSource)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "h_source: %v", err)
		}
		e.HSource = mac
	}
	if err := s.dp.SetForwarding(req.IIF, e); err != nil {
		return nil, statusErr(err)
	}
	slog.Info("forwarding entry set via gRPC", "iif", req.IIF, "entry", e.String())
	return reply(forwardingEntry(req.IIF, e))
}

func (s *Server) DeleteForwarding(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.loaded(); err != nil {
		return nil, err
	}
	var req iifRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.dp.DeleteForwarding(req.IIF); err != nil {
		return nil, statusErr(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ListEvents(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	events := []logging.EventRecord{}
	if s.eventBuf == nil {
		return reply(map[string]any{"events": events})
	}
	var q EventQuery
	if err := decode(in, &q); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	f := logging.EventFilter{Hook: q.Hook, Type: q.Type, Ifindex: q.Ifindex}
	if f.IsEmpty() {
		events = s.eventBuf.Latest(q.Limit)
	} else {
		events = s.eventBuf.LatestFiltered(q.Limit, f)
	}
	if events == nil {
		events = []logging.EventRecord{}
	}
	return reply(map[string]any{"events": events})
}

// hookStats is the GetHookStats payload.
type hookStats struct {
	Hooks map[string]hooks.Stats `json:"hooks"`
}
