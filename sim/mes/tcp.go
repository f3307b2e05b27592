package mes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lengbh/GraphDesEngine/sim"
	"github.com/lengbh/GraphDesEngine/sim/graph"
)

const (
	defaultRequestTimeout = 5 * time.Second
	writeTimeout          = time.Second
)

type clientOptions struct {
	requestTimeout time.Duration
	logger         logrus.FieldLogger
}

// ClientOption configures a TCP or gRPC client.
type ClientOption func(*clientOptions)

// WithRequestTimeout bounds how long the transport keeps a query pending.
// The simulator's own deadline is usually shorter.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.requestTimeout = d }
}

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

func buildClientOptions(opts []ClientOption) clientOptions {
	o := clientOptions{requestTimeout: defaultRequestTimeout, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type pendingKey struct {
	workstation uint32
	tray        uint32
}

type pendingReply struct {
	req   sim.RoutingRequest
	reply func(sim.RoutingResponse, error)
	timer *time.Timer
}

// TCPClient sends done-queries over one connection and matches responses by
// (workstation, tray). Safe for concurrent use.
type TCPClient struct {
	g    *graph.LabelledGraph
	conn net.Conn
	opts clientOptions

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[pendingKey]*pendingReply
	closed  bool
	done    chan struct{}
}

// DialTCP connects to a controller at addr.
func DialTCP(ctx context.Context, addr string, g *graph.LabelledGraph, opts ...ClientOption) (*TCPClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing controller %s: %w", addr, err)
	}
	return NewTCPClient(conn, g, opts...), nil
}

// NewTCPClient takes ownership of conn and starts reading responses.
func NewTCPClient(conn net.Conn, g *graph.LabelledGraph, opts ...ClientOption) *TCPClient {
	c := &TCPClient{
		g:       g,
		conn:    conn,
		opts:    buildClientOptions(opts),
		pending: make(map[pendingKey]*pendingReply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Query implements sim.RoutingController.
func (c *TCPClient) Query(req sim.RoutingRequest, reply func(sim.RoutingResponse, error)) {
	q := queryFor(c.g, req)
	key := pendingKey{workstation: uint32(req.VertexID), tray: uint32(req.TrayID)}
	p := &pendingReply{req: req, reply: reply}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		reply(sim.RoutingResponse{}, ErrClosed)
		return
	}
	// A tray back at the same station replaces its stale query; the wire
	// carries no query id, so a reply still in flight goes to the new one.
	stale := c.pending[key]
	if stale != nil && stale.timer != nil {
		stale.timer.Stop()
	}
	c.pending[key] = p
	if c.opts.requestTimeout > 0 {
		p.timer = time.AfterFunc(c.opts.requestTimeout, func() {
			if p := c.takeIf(key, p); p != nil {
				p.reply(sim.RoutingResponse{}, ErrQueryTimeout)
			}
		})
	}
	c.mu.Unlock()

	if stale != nil {
		c.opts.logger.Debugf("mes: tray %d queried again at station %d; dropping the earlier query", req.TrayID, req.VertexID)
		stale.reply(sim.RoutingResponse{}, fmt.Errorf("%w: superseded by a newer query", ErrQueryTimeout))
	}

	candidates := make([]uint32, len(q.Candidates))
	for i, v := range q.Candidates {
		candidates[i] = uint32(v)
	}
	frame := DoneQuery{
		WorkstationID: key.workstation,
		TrayID:        key.tray,
		SimTime:       req.SimTime,
		Candidates:    candidates,
	}.Frame()
	if err := c.write(frame); err != nil {
		if p := c.takeIf(key, p); p != nil {
			p.reply(sim.RoutingResponse{}, fmt.Errorf("sending done query: %w", err))
		}
	}
}

func (c *TCPClient) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return WriteFrame(c.conn, f)
}

// take removes and returns the pending entry for key, or nil.
func (c *TCPClient) take(key pendingKey) *pendingReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// takeIf is take restricted to the entry want, so a superseded query's
// timer or write failure leaves its replacement alone.
func (c *TCPClient) takeIf(key pendingKey, want *pendingReply) *pendingReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[key] != want {
		return nil
	}
	delete(c.pending, key)
	if want.timer != nil {
		want.timer.Stop()
	}
	return want
}

func (c *TCPClient) readLoop() {
	defer close(c.done)
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			c.failAll(err)
			return
		}
		if f.Type != MsgActionRsp {
			c.opts.logger.Debugf("mes: ignoring message type 0x%x", f.Type)
			continue
		}
		rsp, err := DecodeActionRsp(f.Body)
		if err != nil {
			c.opts.logger.Warnf("mes: %v", err)
			continue
		}
		p := c.take(pendingKey{workstation: rsp.WorkstationID, tray: rsp.TrayID})
		if p == nil {
			c.opts.logger.Warnf("mes: response for tray %d at station %d matches no pending query", rsp.TrayID, rsp.WorkstationID)
			continue
		}
		d := Decision{NextVertex: int(rsp.NextStationID), UseDefault: rsp.Action == ActionExecute, OrderID: rsp.OrderID}
		if rsp.Action != ActionRelease && rsp.Action != ActionExecute {
			p.reply(sim.RoutingResponse{}, fmt.Errorf("mes: unknown action type %d", uint32(rsp.Action)))
			continue
		}
		p.reply(responseFor(c.g, p.req, d))
	}
}

func (c *TCPClient) failAll(cause error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[pendingKey]*pendingReply)
	c.mu.Unlock()

	err := ErrClosed
	if !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		err = fmt.Errorf("%w: %v", ErrClosed, cause)
		c.opts.logger.Warnf("mes: controller connection lost: %v", cause)
	}
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.reply(sim.RoutingResponse{}, err)
	}
}

// Close closes the connection. Pending queries fail with ErrClosed.
func (c *TCPClient) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// TCPServer answers station protocol queries with a Decider.
type TCPServer struct {
	decider Decider
	logger  logrus.FieldLogger

	mu     sync.Mutex
	lis    net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPServer returns a server that consults d for every done-query.
func NewTCPServer(d Decider, logger logrus.FieldLogger) *TCPServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TCPServer{decider: d, logger: logger, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections on lis until Close. It returns nil after Close.
func (s *TCPServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.lis = lis
	s.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accepting controller connection: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *TCPServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	s.logger.Infof("mes: simulator connected from %s", conn.RemoteAddr())

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		inflight.Wait()
	}()
	send := func(f Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := WriteFrame(conn, f); err != nil {
			s.logger.Warnf("mes: writing response: %v", err)
		}
	}

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warnf("mes: reading from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		switch f.Type {
		case MsgActionDoneQuery:
			q, err := DecodeDoneQuery(f.Body)
			if err != nil {
				s.logger.Warnf("mes: %v", err)
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				send(s.decide(ctx, q))
			}()
		case MsgActionQuery:
			q, err := DecodeActionQuery(f.Body)
			if err != nil {
				s.logger.Warnf("mes: %v", err)
				continue
			}
			send(ActionRsp{WorkstationID: q.WorkstationID, TrayID: q.TrayID, Action: ActionExecute}.Frame())
		default:
			s.logger.Debugf("mes: ignoring message type 0x%x", f.Type)
		}
	}
}

func (s *TCPServer) decide(ctx context.Context, q DoneQuery) Frame {
	query := Query{TrayID: int(q.TrayID), VertexID: int(q.WorkstationID), SimTime: q.SimTime}
	for _, c := range q.Candidates {
		query.Candidates = append(query.Candidates, int(c))
	}
	rsp := ActionRsp{WorkstationID: q.WorkstationID, TrayID: q.TrayID, Action: ActionExecute}
	d, err := s.decider.Decide(ctx, query)
	if err != nil {
		s.logger.Warnf("mes: deciding for tray %d at station %d: %v", q.TrayID, q.WorkstationID, err)
		return rsp.Frame()
	}
	rsp.OrderID = d.OrderID
	if !d.UseDefault {
		rsp.Action = ActionRelease
		rsp.NextStationID = uint32(d.NextVertex)
	}
	return rsp.Frame()
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.lis != nil {
		err = s.lis.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
