package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/logging"
)

// Client is a typed SnfService client.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, name string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, fullMethod(name), in, out)
}

// call sends req (nil for Empty) and decodes the Struct reply into out.
func (c *Client) call(ctx context.Context, name string, req any, out any) error {
	var in proto.Message = &emptypb.Empty{}
	if req != nil {
		st, err := toStruct(req)
		if err != nil {
			return err
		}
		in = st
	}
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, name, in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, MethodGetStatus, nil, &st)
	return st, err
}

func (c *Client) HookStats(ctx context.Context) (map[string]hooks.Stats, error) {
	var hs hookStats
	err := c.call(ctx, MethodGetHookStats, nil, &hs)
	return hs.Hooks, err
}

func (c *Client) State(ctx context.Context, key uint32) (dataplane.StateInfo, error) {
	var st dataplane.StateInfo
	err := c.call(ctx, MethodGetState, keyRequest{Key: key}, &st)
	return st, err
}

func (c *Client) States(ctx context.Context) ([]dataplane.StateInfo, error) {
	var out struct {
		States []dataplane.StateInfo `json:"states"`
	}
	err := c.call(ctx, MethodListStates, nil, &out)
	return out.States, err
}

func (c *Client) Report(ctx context.Context) (*hooks.Report, error) {
	var rep hooks.Report
	if err := c.call(ctx, MethodGetReport, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *Client) Shadow(ctx context.Context) ([]ShadowEntry, error) {
	var out struct {
		Entries []ShadowEntry `json:"entries"`
	}
	err := c.call(ctx, MethodListShadow, nil, &out)
	return out.Entries, err
}

func (c *Client) Forwarding(ctx context.Context) ([]ForwardingEntry, error) {
	var out struct {
		Entries []ForwardingEntry `json:"entries"`
	}
	err := c.call(ctx, MethodListForwarding, nil, &out)
	return out.Entries, err
}

// SetForwarding provisions iif. Empty MACs take the server defaults.
func (c *Client) SetForwarding(ctx context.Context, e ForwardingEntry) (ForwardingEntry, error) {
	var out ForwardingEntry
	err := c.call(ctx, MethodSetForwarding, e, &out)
	return out, err
}

func (c *Client) DeleteForwarding(ctx context.Context, iif uint32) error {
	in, err := toStruct(iifRequest{IIF: iif})
	if err != nil {
		return err
	}
	return c.invoke(ctx, MethodDeleteForwarding, in, new(emptypb.Empty))
}

func (c *Client) Events(ctx context.Context, q EventQuery) ([]logging.EventRecord, error) {
	var out struct {
		Events []logging.EventRecord `json:"events"`
	}
	err := c.call(ctx, MethodListEvents, q, &out)
	return out.Events, err
}
