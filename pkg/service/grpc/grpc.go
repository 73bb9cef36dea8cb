// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package grpc serves the board management API.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/u-root/avalanche/pkg/board"
	"github.com/u-root/avalanche/pkg/cache"
	"github.com/u-root/avalanche/pkg/hwerr"
	"github.com/u-root/avalanche/pkg/logger"
	"github.com/u-root/avalanche/pkg/memtest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var log = logger.LogContainer.GetSimpleLogger()

const maxPress = 10 * time.Second

type rpcBoard interface {
	memtest.Memory
	Reboot()
	Status() board.Status
}

type rpcButtonSystem interface {
	PressButton(ctx context.Context, name string, dur time.Duration) (chan bool, error)
}

// ManagementServer is the server API of avalanche.Management.
type ManagementServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ReadWord(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.UInt32Value, error)
	WriteWord(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	PressReset(context.Context, *durationpb.Duration) (*emptypb.Empty, error)
	Reboot(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	MemTest(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type mgmtServer struct {
	b      rpcBoard
	button rpcButtonSystem
}

func unary(name string, newReq func() proto.Message, call func(ManagementServer, context.Context, proto.Message) (proto.Message, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			h := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ManagementServer), ctx, req.(proto.Message))
			}
			if interceptor == nil {
				return h(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, h)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", func() proto.Message { return &emptypb.Empty{} }, func(m ManagementServer, ctx context.Context, r proto.Message) (proto.Message, error) {
			return m.GetStatus(ctx, r.(*emptypb.Empty))
		}),
		unary("ReadWord", func() proto.Message { return &wrapperspb.UInt64Value{} }, func(m ManagementServer, ctx context.Context, r proto.Message) (proto.Message, error) {
			return m.ReadWord(ctx, r.(*wrapperspb.UInt64Value))
		}),
		unary("WriteWord", func() proto.Message { return &structpb.Struct{} }, func(m ManagementServer, ctx context.Context, r proto.Message) (proto.Message, error) {
			return m.WriteWord(ctx, r.(*structpb.Struct))
		}),
		unary("PressReset", func() proto.Message { return &durationpb.Duration{} }, func(m ManagementServer, ctx context.Context, r proto.Message) (proto.Message, error) {
			return m.PressReset(ctx, r.(*durationpb.Duration))
		}),
		unary("Reboot", func() proto.Message { return &emptypb.Empty{} }, func(m ManagementServer, ctx context.Context, r proto.Message) (proto.Message, error) {
			return m.Reboot(ctx, r.(*emptypb.Empty))
		}),
		unary("MemTest", func() proto.Message { return &structpb.Struct{} }, func(m ManagementServer, ctx context.Context, r proto.Message) (proto.Message, error) {
			return m.MemTest(ctx, r.(*structpb.Struct))
		}),
	},
	Metadata: protoFile,
}

// toStatus maps board errors to gRPC codes.
func toStatus(err error) error {
	var c codes.Code
	switch {
	case err == nil:
		return nil
	case errors.Is(err, board.ErrDomainHeld):
		c = codes.Unavailable
	case errors.Is(err, hwerr.ErrOutOfRange):
		c = codes.OutOfRange
	case errors.Is(err, cache.ErrMisaligned), errors.Is(err, hwerr.ErrConfiguration):
		c = codes.InvalidArgument
	case errors.Is(err, board.ErrReadOnly):
		c = codes.PermissionDenied
	case errors.Is(err, context.Canceled):
		c = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		c = codes.DeadlineExceeded
	default:
		c = codes.Internal
	}
	return status.Error(c, err.Error())
}

func (m *mgmtServer) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s := m.b.Status()
	domains := map[string]interface{}{}
	for k, v := range s.Domains {
		domains[k] = v
	}
	signals := map[string]interface{}{}
	for k, v := range s.Signals {
		signals[k] = v
	}
	leds := map[string]interface{}{}
	for k, v := range s.LEDs {
		leds[k] = v
	}
	r, err := structpb.NewStruct(map[string]interface{}{
		"ident":   s.Ident,
		"step":    s.Step,
		"domains": domains,
		"signals": signals,
		"leds":    leds,
		"bridge": map[string]interface{}{
			"submitted": s.Bridge.Submitted,
			"retired":   s.Bridge.Retired,
			"busy":      s.Bridge.Busy,
			"canceled":  s.Bridge.Canceled,
			"bursts":    s.Bridge.Bursts,
			"in_flight": s.Bridge.InFlight,
		},
		"cache": map[string]interface{}{
			"hits":       s.Cache.Hits,
			"misses":     s.Cache.Misses,
			"coalesced":  s.Cache.Coalesced,
			"evictions":  s.Cache.Evictions,
			"writebacks": s.Cache.Writebacks,
			"errors":     s.Cache.Errors,
		},
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return r, nil
}

func (m *mgmtServer) ReadWord(ctx context.Context, r *wrapperspb.UInt64Value) (*wrapperspb.UInt32Value, error) {
	v, err := m.b.Read(ctx, r.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.UInt32(v), nil
}

// field returns the integral number field name of s.
func field(s *structpb.Struct, name string, max float64) (uint64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "missing field %q", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue < 0 || n.NumberValue > max || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "field %q is not an integer in [0, %v]", name, max)
	}
	return uint64(n.NumberValue), nil
}

func (m *mgmtServer) WriteWord(ctx context.Context, r *structpb.Struct) (*emptypb.Empty, error) {
	addr, err := field(r, "addr", 1<<53)
	if err != nil {
		return nil, err
	}
	v, err := field(r, "value", math.MaxUint32)
	if err != nil {
		return nil, err
	}
	if err := m.b.Write(ctx, addr, uint32(v)); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (m *mgmtServer) PressReset(ctx context.Context, r *durationpb.Duration) (*emptypb.Empty, error) {
	if m.button == nil {
		return nil, status.Error(codes.Unimplemented, "no reset button")
	}
	if err := r.CheckValid(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	d := r.AsDuration()
	if d <= 0 || d > maxPress {
		return nil, status.Errorf(codes.InvalidArgument, "press duration %v outside (0, %v]", d, maxPress)
	}
	c, err := m.button.PressButton(ctx, "reset", d)
	if err != nil {
		return nil, toStatus(err)
	}
	// Wait for completion
	select {
	case <-c:
	case <-ctx.Done():
		return nil, toStatus(ctx.Err())
	}
	return &emptypb.Empty{}, nil
}

func (m *mgmtServer) Reboot(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	m.b.Reboot()
	return &emptypb.Empty{}, nil
}

func (m *mgmtServer) MemTest(ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
	base, err := field(r, "base", 1<<53)
	if err != nil {
		return nil, err
	}
	size, err := field(r, "size", 1<<32)
	if err != nil {
		return nil, err
	}
	res, err := memtest.Run(ctx, m.b, base, size)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"words":       res.Words,
		"bus_errors":  res.BusErrors,
		"addr_errors": res.AddrErrors,
		"data_errors": res.DataErrors,
		"duration":    res.Duration.String(),
		"ok":          res.Errors() == 0,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

type Server struct {
	g *grpc.Server
}

// NewServer registers the management service. button may be nil when the
// board has no reset button.
func NewServer(b rpcBoard, button rpcButtonSystem) *Server {
	g := grpc.NewServer(
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
	)
	g.RegisterService(&serviceDesc, &mgmtServer{b: b, button: button})
	grpc_prometheus.Register(g)
	reflection.Register(g)
	return &Server{g: g}
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	log.Infow("Serving gRPC", "addr", l.Addr().String())
	if err := s.g.Serve(l); err != nil {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop() {
	s.g.GracefulStop()
}

// Client is a typed client of avalanche.Management.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	out := &structpb.Struct{}
	return out, c.invoke(ctx, "GetStatus", &emptypb.Empty{}, out)
}

func (c *Client) ReadWord(ctx context.Context, addr uint64) (uint32, error) {
	out := &wrapperspb.UInt32Value{}
	err := c.invoke(ctx, "ReadWord", wrapperspb.UInt64(addr), out)
	return out.GetValue(), err
}

func (c *Client) WriteWord(ctx context.Context, addr uint64, v uint32) error {
	in, err := structpb.NewStruct(map[string]interface{}{"addr": addr, "value": v})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "WriteWord", in, &emptypb.Empty{})
}

func (c *Client) PressReset(ctx context.Context, d time.Duration) error {
	return c.invoke(ctx, "PressReset", durationpb.New(d), &emptypb.Empty{})
}

func (c *Client) Reboot(ctx context.Context) error {
	return c.invoke(ctx, "Reboot", &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) MemTest(ctx context.Context, base, size uint64) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"base": base, "size": size})
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	return out, c.invoke(ctx, "MemTest", in, out)
}
