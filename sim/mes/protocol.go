// Package mes connects the simulator to an external manufacturing execution
// system that decides where trays go after service.
//
// Two transports are provided. The TCP transport speaks the station's binary
// protocol: little-endian frames with an 8-byte header {type u32, size u32}
// where size counts header and body. The gRPC transport carries the same
// fields as structpb messages on /graphdes.mes.v1.RoutingController/Route.
// Both clients implement sim.RoutingController; both servers delegate to a
// Decider.
package mes

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Message types.
const (
	MsgActionQuery     uint32 = 0x1046 // tray arrived at a station
	MsgActionDoneQuery uint32 = 0x1047 // tray finished service, asks for the next station
	MsgActionRsp       uint32 = 0x1048 // answer to either query
)

const (
	headerSize = 8
	// MaxFrameSize bounds a frame, header included.
	MaxFrameSize = 64 << 10

	queryBodySize = 8
	rspBodySize   = 20
)

// ActionType selects how a response is applied.
type ActionType uint32

const (
	// ActionRelease sends the tray to NextStationID.
	ActionRelease ActionType = 0
	// ActionExecute ignores NextStationID; the simulator uses its own weighted choice.
	ActionExecute ActionType = 1
)

func (a ActionType) String() string {
	switch a {
	case ActionRelease:
		return "release"
	case ActionExecute:
		return "execute"
	}
	return fmt.Sprintf("action(%d)", uint32(a))
}

var (
	ErrFrameTooLarge = errors.New("mes: frame exceeds maximum size")
	ErrShortBody     = errors.New("mes: message body too short")
)

// Frame is one message on the wire.
type Frame struct {
	Type uint32
	Body []byte
}

// WriteFrame writes f with its header in a single Write.
func WriteFrame(w io.Writer, f Frame) error {
	size := headerSize + len(f.Body)
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], f.Type)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	copy(buf[headerSize:], f.Body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. A clean EOF before the header returns io.EOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size < headerSize || size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: header declares %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", io.ErrUnexpectedEOF)
	}
	return Frame{Type: typ, Body: body}, nil
}

// ActionQuery is the body of MsgActionQuery.
type ActionQuery struct {
	WorkstationID uint32
	TrayID        uint32
}

func (q ActionQuery) Frame() Frame {
	b := make([]byte, queryBodySize)
	binary.LittleEndian.PutUint32(b[0:4], q.WorkstationID)
	binary.LittleEndian.PutUint32(b[4:8], q.TrayID)
	return Frame{Type: MsgActionQuery, Body: b}
}

func DecodeActionQuery(b []byte) (ActionQuery, error) {
	if len(b) < queryBodySize {
		return ActionQuery{}, fmt.Errorf("%w: action query has %d bytes", ErrShortBody, len(b))
	}
	return ActionQuery{
		WorkstationID: binary.LittleEndian.Uint32(b[0:4]),
		TrayID:        binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// DoneQuery is the body of MsgActionDoneQuery. The first 8 bytes match the
// station protocol; SimTime and Candidates follow as an extension
// {sim_time f64, n u32, n x next_station_id u32} that older peers ignore.
type DoneQuery struct {
	WorkstationID uint32
	TrayID        uint32
	SimTime       float64
	Candidates    []uint32
}

func (q DoneQuery) Frame() Frame {
	b := make([]byte, queryBodySize+12+4*len(q.Candidates))
	binary.LittleEndian.PutUint32(b[0:4], q.WorkstationID)
	binary.LittleEndian.PutUint32(b[4:8], q.TrayID)
	binary.LittleEndian.PutUint64(b[8:16], math.Float64bits(q.SimTime))
	binary.LittleEndian.PutUint32(b[16:20], uint32(len(q.Candidates)))
	for i, c := range q.Candidates {
		binary.LittleEndian.PutUint32(b[20+4*i:], c)
	}
	return Frame{Type: MsgActionDoneQuery, Body: b}
}

// DecodeDoneQuery accepts both the bare 8-byte body and the extended one.
func DecodeDoneQuery(b []byte) (DoneQuery, error) {
	if len(b) < queryBodySize {
		return DoneQuery{}, fmt.Errorf("%w: done query has %d bytes", ErrShortBody, len(b))
	}
	q := DoneQuery{
		WorkstationID: binary.LittleEndian.Uint32(b[0:4]),
		TrayID:        binary.LittleEndian.Uint32(b[4:8]),
	}
	if len(b) == queryBodySize {
		return q, nil
	}
	if len(b) < queryBodySize+12 {
		return DoneQuery{}, fmt.Errorf("%w: truncated done query extension (%d bytes)", ErrShortBody, len(b))
	}
	q.SimTime = math.Float64frombits(binary.LittleEndian.Uint64(b[8:16]))
	n := int(binary.LittleEndian.Uint32(b[16:20]))
	if len(b) < queryBodySize+12+4*n {
		return DoneQuery{}, fmt.Errorf("%w: done query declares %d candidates in %d bytes", ErrShortBody, n, len(b))
	}
	q.Candidates = make([]uint32, n)
	for i := range q.Candidates {
		q.Candidates[i] = binary.LittleEndian.Uint32(b[20+4*i:])
	}
	return q, nil
}

// ActionRsp is the body of MsgActionRsp.
type ActionRsp struct {
	WorkstationID uint32
	TrayID        uint32
	OrderID       uint32
	Action        ActionType
	NextStationID uint32
}

func (r ActionRsp) Frame() Frame {
	b := make([]byte, rspBodySize)
	binary.LittleEndian.PutUint32(b[0:4], r.WorkstationID)
	binary.LittleEndian.PutUint32(b[4:8], r.TrayID)
	binary.LittleEndian.PutUint32(b[8:12], r.OrderID)
	binary.LittleEndian.PutUint32(b[12:16], uint32(r.Action))
	binary.LittleEndian.PutUint32(b[16:20], r.NextStationID)
	return Frame{Type: MsgActionRsp, Body: b}
}

func DecodeActionRsp(b []byte) (ActionRsp, error) {
	if len(b) < rspBodySize {
		return ActionRsp{}, fmt.Errorf("%w: action response has %d bytes", ErrShortBody, len(b))
	}
	return ActionRsp{
		WorkstationID: binary.LittleEndian.Uint32(b[0:4]),
		TrayID:        binary.LittleEndian.Uint32(b[4:8]),
		OrderID:       binary.LittleEndian.Uint32(b[8:12]),
		Action:        ActionType(binary.LittleEndian.Uint32(b[12:16])),
		NextStationID: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}
