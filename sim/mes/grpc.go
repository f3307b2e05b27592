package mes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lengbh/GraphDesEngine/sim"
	"github.com/lengbh/GraphDesEngine/sim/graph"
)

const (
	serviceName = "graphdes.mes.v1.RoutingController"
	routeMethod = "/" + serviceName + "/Route"
)

// Message field names.
const (
	fieldTrayID     = "tray_id"
	fieldVertexID   = "vertex_id"
	fieldSimTime    = "sim_time"
	fieldCandidates = "candidates"
	fieldNext       = "next_vertex_id"
	fieldUseDefault = "use_default"
	fieldOrderID    = "order_id"
)

// routeServer is the service implementation type registered with grpc.
type routeServer interface {
	Route(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func routeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(routeServer).Route(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: routeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(routeServer).Route(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var routingServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*routeServer)(nil),
	Methods:     []grpc.MethodDesc{{MethodName: "Route", Handler: routeHandler}},
	Streams:     []grpc.StreamDesc{},
	Metadata:    "graphdes/mes/v1/routing.proto",
}

func encodeQuery(q Query) (*structpb.Struct, error) {
	candidates := make([]any, len(q.Candidates))
	for i, c := range q.Candidates {
		candidates[i] = c
	}
	return structpb.NewStruct(map[string]any{
		fieldTrayID:     q.TrayID,
		fieldVertexID:   q.VertexID,
		fieldSimTime:    q.SimTime,
		fieldCandidates: candidates,
	})
}

func decodeQuery(s *structpb.Struct) (Query, error) {
	f := s.GetFields()
	tray, ok1 := f[fieldTrayID]
	vertex, ok2 := f[fieldVertexID]
	if !ok1 || !ok2 {
		return Query{}, fmt.Errorf("query needs %s and %s", fieldTrayID, fieldVertexID)
	}
	q := Query{
		TrayID:   int(tray.GetNumberValue()),
		VertexID: int(vertex.GetNumberValue()),
		SimTime:  f[fieldSimTime].GetNumberValue(),
	}
	for _, v := range f[fieldCandidates].GetListValue().GetValues() {
		q.Candidates = append(q.Candidates, int(v.GetNumberValue()))
	}
	return q, nil
}

func encodeDecision(tray int, d Decision) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldTrayID:     tray,
		fieldNext:       d.NextVertex,
		fieldUseDefault: d.UseDefault,
		fieldOrderID:    d.OrderID,
	})
}

func decodeDecision(s *structpb.Struct) (int, Decision) {
	f := s.GetFields()
	return int(f[fieldTrayID].GetNumberValue()), Decision{
		NextVertex: int(f[fieldNext].GetNumberValue()),
		UseDefault: f[fieldUseDefault].GetBoolValue(),
		OrderID:    uint32(f[fieldOrderID].GetNumberValue()),
	}
}

// GRPCClient issues one unary Route call per query.
type GRPCClient struct {
	g    *graph.LabelledGraph
	conn *grpc.ClientConn
	own  bool
	opts clientOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialGRPC creates a client for the controller at target. The connection is
// established lazily on the first query.
func DialGRPC(target string, g *graph.LabelledGraph, opts ...ClientOption) (*GRPCClient, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial controller %s: %w", target, err)
	}
	c := NewGRPCClient(conn, g, opts...)
	c.own = true
	return c, nil
}

// NewGRPCClient uses an existing connection; Close leaves it open.
func NewGRPCClient(conn *grpc.ClientConn, g *graph.LabelledGraph, opts ...ClientOption) *GRPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCClient{g: g, conn: conn, opts: buildClientOptions(opts), ctx: ctx, cancel: cancel}
}

// Query implements sim.RoutingController. The call runs on its own goroutine.
func (c *GRPCClient) Query(req sim.RoutingRequest, reply func(sim.RoutingResponse, error)) {
	if c.ctx.Err() != nil {
		reply(sim.RoutingResponse{}, ErrClosed)
		return
	}
	in, err := encodeQuery(queryFor(c.g, req))
	if err != nil {
		reply(sim.RoutingResponse{}, fmt.Errorf("encoding route request: %w", err))
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.requestTimeout)
		defer cancel()

		out := new(structpb.Struct)
		if err := c.conn.Invoke(ctx, routeMethod, in, out); err != nil {
			reply(sim.RoutingResponse{}, c.classify(err))
			return
		}
		tray, d := decodeDecision(out)
		if tray != int(req.TrayID) {
			reply(sim.RoutingResponse{}, fmt.Errorf("mes: response for tray %d to query for tray %d", tray, req.TrayID))
			return
		}
		reply(responseFor(c.g, req, d))
	}()
}

func (c *GRPCClient) classify(err error) error {
	switch {
	case c.ctx.Err() != nil:
		return ErrClosed
	case status.Code(err) == codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	c.opts.logger.Debugf("mes: route call failed: %v", err)
	return fmt.Errorf("route call: %w", err)
}

// Close cancels outstanding calls and waits for them to report.
func (c *GRPCClient) Close() error {
	c.cancel()
	c.wg.Wait()
	if c.own {
		return c.conn.Close()
	}
	return nil
}

// GRPCServer exposes a Decider as the RoutingController service.
type GRPCServer struct {
	decider Decider
	logger  logrus.FieldLogger
	srv     *grpc.Server
}

// NewGRPCServer registers the routing service on a new grpc.Server.
func NewGRPCServer(d Decider, logger logrus.FieldLogger, opts ...grpc.ServerOption) *GRPCServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &GRPCServer{decider: d, logger: logger, srv: grpc.NewServer(opts...)}
	s.srv.RegisterService(&routingServiceDesc, s)
	return s
}

// Route implements the service method.
func (s *GRPCServer) Route(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	q, err := decodeQuery(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	d, err := s.decider.Decide(ctx, q)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		s.logger.Warnf("mes: deciding for tray %d at station %d: %v", q.TrayID, q.VertexID, err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeDecision(q.TrayID, d)
}

// Serve blocks serving lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

// Stop waits for in-flight calls, then stops the server.
func (s *GRPCServer) Stop() {
	s.srv.GracefulStop()
}
