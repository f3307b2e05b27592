package mes

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_HeaderSizeIncludesHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, ActionQuery{WorkstationID: 7, TrayID: 42}.Frame()))

	b := buf.Bytes()
	require.Len(t, b, 16)
	assert.Equal(t, MsgActionQuery, binary.LittleEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(b[4:8]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(b[12:16]))
}

func TestFrame_ResponseLayout(t *testing.T) {
	var buf bytes.Buffer
	rsp := ActionRsp{WorkstationID: 3, TrayID: 9, OrderID: 100, Action: ActionRelease, NextStationID: 5}
	require.NoError(t, WriteFrame(&buf, rsp.Frame()))
	assert.Len(t, buf.Bytes(), 28)

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgActionRsp, f.Type)
	got, err := DecodeActionRsp(f.Body)
	require.NoError(t, err)
	assert.Equal(t, rsp, got)
}

func TestDoneQuery_ExtensionRoundTrip(t *testing.T) {
	q := DoneQuery{WorkstationID: 1, TrayID: 2, SimTime: 12.5, Candidates: []uint32{2, 3}}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, q.Frame()))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	got, err := DecodeDoneQuery(f.Body)
	require.NoError(t, err)
	assert.Equal(t, q, got)
}

func TestDoneQuery_BareBodyAccepted(t *testing.T) {
	// GIVEN a station that sends only workstation and tray
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], 4)
	binary.LittleEndian.PutUint32(body[4:8], 11)

	// WHEN decoded
	q, err := DecodeDoneQuery(body)

	// THEN the ids are read and the extension is empty
	require.NoError(t, err)
	assert.Equal(t, uint32(4), q.WorkstationID)
	assert.Equal(t, uint32(11), q.TrayID)
	assert.Zero(t, q.SimTime)
	assert.Empty(t, q.Candidates)
}

func TestDecode_ShortBodies(t *testing.T) {
	full := DoneQuery{WorkstationID: 1, TrayID: 1, Candidates: []uint32{1, 2, 3}}.Frame().Body
	tests := []struct {
		name   string
		decode func() error
	}{
		{"action query", func() error { _, err := DecodeActionQuery(make([]byte, 7)); return err }},
		{"done query header", func() error { _, err := DecodeDoneQuery(make([]byte, 4)); return err }},
		{"done query extension", func() error { _, err := DecodeDoneQuery(make([]byte, 12)); return err }},
		{"done query candidates", func() error { _, err := DecodeDoneQuery(full[:len(full)-2]); return err }},
		{"response", func() error { _, err := DecodeActionRsp(make([]byte, 16)); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.decode(), ErrShortBody)
		})
	}
}

func TestReadFrame_Errors(t *testing.T) {
	t.Run("clean EOF", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})
	t.Run("size below header", func(t *testing.T) {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], MsgActionRsp)
		binary.LittleEndian.PutUint32(hdr[4:8], 4)
		_, err := ReadFrame(bytes.NewReader(hdr))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
	t.Run("oversized", func(t *testing.T) {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[4:8], MaxFrameSize+1)
		_, err := ReadFrame(bytes.NewReader(hdr))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
	t.Run("truncated body", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, ActionRsp{}.Frame()))
		_, err := ReadFrame(bytes.NewReader(buf.Bytes()[:20]))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestWriteFrame_RejectsOversized(t *testing.T) {
	err := WriteFrame(io.Discard, Frame{Type: MsgActionRsp, Body: make([]byte, MaxFrameSize)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestActionType_String(t *testing.T) {
	assert.Equal(t, "release", ActionRelease.String())
	assert.Equal(t, "execute", ActionExecute.String())
	assert.Equal(t, "action(9)", ActionType(9).String())
}
