package mes

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lengbh/GraphDesEngine/sim"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type result struct {
	rsp sim.RoutingResponse
	err error
}

func collect() (func(sim.RoutingResponse, error), <-chan result) {
	ch := make(chan result, 1)
	return func(r sim.RoutingResponse, err error) { ch <- result{r, err} }, ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return result{}
	}
}

// startTCP serves d on a loopback port and returns its address.
func startTCP(t *testing.T, d Decider) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewTCPServer(d, quietLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})
	return lis.Addr().String()
}

func TestTCP_SimulationRoutedByController(t *testing.T) {
	// GIVEN a controller that always picks the last candidate
	d, err := NewDecider(PolicyLast)
	require.NoError(t, err)
	addr := startTCP(t, d)
	g := forkGraph(t)
	client, err := DialTCP(context.Background(), addr, g, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	// WHEN three trays run through the fork
	mem := &trace.Memory{}
	s, err := sim.NewSimulator(g, sim.Config{
		Injections: []sim.InjectionConfig{{Vertex: 1, Times: []float64{0, 1, 2}}},
	}, sim.WithRoutingController(client), sim.WithSink(mem))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	// THEN every tray takes 1->3 and is marked as a controller decision
	starts := mem.OfKind(trace.KindTransferStart)
	require.Len(t, starts, 3)
	for _, r := range starts {
		assert.Equal(t, "1->3", r.Subject)
		assert.Equal(t, string(sim.RouteController), r.Metadata[trace.MetaRouting])
	}
	assert.Equal(t, 3, s.RoutingStats().Controller)
	assert.Equal(t, 3, s.Summary().Completed)
}

func TestTCP_ExecuteMeansDefault(t *testing.T) {
	d, err := NewDecider(PolicyDefault)
	require.NoError(t, err)
	g := forkGraph(t)
	client, err := DialTCP(context.Background(), startTCP(t, d), g, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	reply, ch := collect()
	client.Query(forkRequest(1), reply)
	r := await(t, ch)

	require.NoError(t, r.err)
	assert.True(t, r.rsp.UseDefault)
}

func TestTCPServer_DeciderError_AnswersExecute(t *testing.T) {
	failing := DeciderFunc(func(context.Context, Query) (Decision, error) {
		return Decision{}, errors.New("no plan")
	})
	g := forkGraph(t)
	client, err := DialTCP(context.Background(), startTCP(t, failing), g, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	reply, ch := collect()
	client.Query(forkRequest(1), reply)
	r := await(t, ch)

	require.NoError(t, r.err)
	assert.True(t, r.rsp.UseDefault)
}

func TestTCPServer_ArrivalQueryAnsweredWithExecute(t *testing.T) {
	addr := startTCP(t, DeciderFunc(func(context.Context, Query) (Decision, error) {
		t.Error("arrival queries must not reach the decider")
		return Decision{}, nil
	}))
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteFrame(conn, ActionQuery{WorkstationID: 2, TrayID: 8}.Frame()))
	f, err := ReadFrame(conn)
	require.NoError(t, err)
	rsp, err := DecodeActionRsp(f.Body)
	require.NoError(t, err)
	assert.Equal(t, ActionRsp{WorkstationID: 2, TrayID: 8, Action: ActionExecute}, rsp)
}

// peer returns a client wired to the far end of a pipe.
func peer(t *testing.T, opts ...ClientOption) (*TCPClient, net.Conn) {
	t.Helper()
	near, far := net.Pipe()
	client := NewTCPClient(near, forkGraph(t), append([]ClientOption{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() {
		far.Close()
		client.Close()
	})
	return client, far
}

func TestTCPClient_RequestTimeout(t *testing.T) {
	client, far := peer(t, WithRequestTimeout(20*time.Millisecond))
	go func() {
		for {
			if _, err := ReadFrame(far); err != nil {
				return
			}
		}
	}()

	reply, ch := collect()
	client.Query(forkRequest(1), reply)
	r := await(t, ch)

	assert.ErrorIs(t, r.err, ErrQueryTimeout)
	assert.ErrorIs(t, r.err, sim.ErrQueryTimeout)
}

func TestTCPClient_ConnectionDrop_FailsPending(t *testing.T) {
	client, far := peer(t)
	go func() {
		_, _ = ReadFrame(far)
		far.Close()
	}()

	reply, ch := collect()
	client.Query(forkRequest(1), reply)
	r := await(t, ch)
	assert.ErrorIs(t, r.err, ErrClosed)

	// later queries fail immediately
	reply, ch = collect()
	client.Query(forkRequest(2), reply)
	assert.ErrorIs(t, await(t, ch).err, ErrClosed)
}

func TestTCPClient_ReleaseToNonCandidate(t *testing.T) {
	client, far := peer(t)
	go func() {
		f, err := ReadFrame(far)
		if err != nil {
			return
		}
		q, _ := DecodeDoneQuery(f.Body)
		_ = WriteFrame(far, ActionRsp{WorkstationID: q.WorkstationID, TrayID: q.TrayID, Action: ActionRelease, NextStationID: 99}.Frame())
		_, _ = io.Copy(io.Discard, far)
	}()

	reply, ch := collect()
	client.Query(forkRequest(1), reply)
	assert.ErrorIs(t, await(t, ch).err, ErrUnknownStation)
}

func TestTCPClient_SendsCandidatesAndMatchesByTray(t *testing.T) {
	// GIVEN a peer that answers two queries in reverse order
	client, far := peer(t)
	seen := make(chan DoneQuery, 2)
	go func() {
		var qs []DoneQuery
		for len(qs) < 2 {
			f, err := ReadFrame(far)
			if err != nil {
				return
			}
			q, _ := DecodeDoneQuery(f.Body)
			seen <- q
			qs = append(qs, q)
		}
		for i := len(qs) - 1; i >= 0; i-- {
			next := uint32(2)
			if qs[i].TrayID == 2 {
				next = 3
			}
			_ = WriteFrame(far, ActionRsp{WorkstationID: qs[i].WorkstationID, TrayID: qs[i].TrayID, Action: ActionRelease, NextStationID: next}.Frame())
		}
		_, _ = io.Copy(io.Discard, far)
	}()

	// WHEN both trays query
	reply1, ch1 := collect()
	reply2, ch2 := collect()
	client.Query(forkRequest(1), reply1)
	client.Query(forkRequest(2), reply2)

	// THEN each reply reaches its own tray
	r1, r2 := await(t, ch1), await(t, ch2)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, sim.RoutingResponse{TrayID: 1, ArcID: "1->2"}, r1.rsp)
	assert.Equal(t, sim.RoutingResponse{TrayID: 2, ArcID: "1->3"}, r2.rsp)

	q := <-seen
	assert.Equal(t, []uint32{2, 3}, q.Candidates)
	assert.Equal(t, 1.0, q.SimTime)
}

func TestTCPClient_RepeatQuery_SupersedesStaleOne(t *testing.T) {
	// GIVEN a peer that stays silent for the first query of tray 1 and
	// answers the second one with station 3
	client, far := peer(t, WithRequestTimeout(time.Second))
	seen := make(chan DoneQuery, 2)
	go func() {
		for i := 0; i < 2; i++ {
			f, err := ReadFrame(far)
			if err != nil {
				return
			}
			q, _ := DecodeDoneQuery(f.Body)
			seen <- q
		}
		_ = WriteFrame(far, ActionRsp{WorkstationID: 1, TrayID: 1, Action: ActionRelease, NextStationID: 3}.Frame())
		_, _ = io.Copy(io.Discard, far)
	}()

	// WHEN the tray is queried again at the same station before the first
	// query expires
	stale, staleCh := collect()
	fresh, freshCh := collect()
	client.Query(forkRequest(1), stale)
	client.Query(forkRequest(1), fresh)

	// THEN the earlier query fails as a timeout and the new one reaches the
	// controller and gets its answer
	assert.ErrorIs(t, await(t, staleCh).err, ErrQueryTimeout)
	r := await(t, freshCh)
	require.NoError(t, r.err)
	assert.Equal(t, sim.RoutingResponse{TrayID: 1, ArcID: "1->3"}, r.rsp)
	assert.Len(t, seen, 2)
}
