package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBodies() []Message {
	return []Message{
		&GlobalBeginRequest{Timeout: 60000, TransactionName: "create-order"},
		&GlobalBeginResponse{Result: Success(), XID: "127.0.0.1:8091:1"},
		&BranchCommitRequest{XID: "X1", BranchID: 7, BranchType: BranchTypeAT, ResourceID: "orderdb"},
		&BranchCommitResponse{Result: Success(), XID: "X1", BranchID: 7, BranchStatus: BranchStatusPhaseTwoCommitted},
		&BranchRollbackRequest{XID: "X1", BranchID: 7, ResourceID: "orderdb", ApplicationData: `{"k":"v"}`},
		&BranchRollbackResponse{Result: Failure("conflict"), XID: "X1", BranchID: 7, BranchStatus: BranchStatusPhaseTwoRollbackFailedUnretryable},
		&GlobalCommitRequest{XID: "X1"},
		&GlobalCommitResponse{Result: Success(), GlobalStatus: GlobalStatusCommitted},
		&GlobalRollbackRequest{XID: "X1", ExtraData: "e"},
		&GlobalRollbackResponse{Result: Success(), GlobalStatus: GlobalStatusRollbacked},
		&BranchRegisterRequest{XID: "X1", ResourceID: "orderdb", LockKey: "orders:42"},
		&BranchRegisterResponse{Result: Success(), BranchID: 7},
		&BranchReportRequest{XID: "X1", BranchID: 7, ResourceID: "orderdb", Status: BranchStatusPhaseOneFailed},
		&BranchReportResponse{Result: Success()},
		&GlobalStatusRequest{XID: "X1"},
		&GlobalStatusResponse{Result: Success(), GlobalStatus: GlobalStatusBegin},
		&GlobalLockQueryRequest{XID: "X1", ResourceID: "orderdb", LockKey: "orders:42"},
		&GlobalLockQueryResponse{Result: Success(), Lockable: true},
		&RegisterTMRequest{Version: "1.0.0", ApplicationID: "app", TransactionServiceGroup: "my_test_tx_group"},
		&RegisterTMResponse{Result: Success(), Identified: true, Version: "1.0.0"},
		&RegisterRMRequest{Version: "1.0.0", ApplicationID: "app", TransactionServiceGroup: "g", ResourceIDs: "orderdb,stockdb"},
		&RegisterRMResponse{Result: Success(), Identified: true},
		&UndoLogDeleteRequest{ResourceID: "orderdb", SaveDays: 7},
		&HeartbeatMessage{Ping: true},
	}
}

func TestEveryTypeCodeHasBody(t *testing.T) {
	seen := make(map[TypeCode]bool)
	for _, body := range sampleBodies() {
		seen[body.TypeCode()] = true
	}
	for code := range constructors {
		assert.True(t, seen[code], "missing sample for %s", code)
	}
}

func TestRoundTrip(t *testing.T) {
	codecs := []CodecType{CodecJSON, CodecMsgpack}
	compressors := []CompressorType{CompressorNone, CompressorGzip, CompressorLZ4, CompressorZstd, CompressorSnappy}

	for _, codecType := range codecs {
		for _, compressorType := range compressors {
			codec := NewCodec(codecType, compressorType, 0)
			for _, body := range sampleBodies() {
				msg := &RpcMessage{
					ID:          NextID(),
					MessageType: MessageTypeRequestSync,
					Codec:       codecType,
					Compressor:  compressorType,
					HeadMap:     map[string]string{"tx-group": "my_test_tx_group", "a": ""},
					Body:        body,
				}
				frame, err := codec.Encode(msg)
				require.NoError(t, err)
				assert.Equal(t, len(frame), int(binary.BigEndian.Uint32(frame[2:6])))

				got, err := codec.Decode(frame)
				require.NoError(t, err, "%s/%s/%s", codecType, compressorType, body.TypeCode())
				assert.Equal(t, msg, got, "%s/%s/%s", codecType, compressorType, body.TypeCode())
			}
		}
	}
}

func TestRoundTripWithoutBody(t *testing.T) {
	msg := &RpcMessage{ID: 9, MessageType: MessageTypeHeartbeatResponse, Codec: CodecJSON}
	frame, err := Encode(msg)
	require.NoError(t, err)
	assert.Len(t, frame, HeaderLength)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeIncomplete(t *testing.T) {
	frame, err := Encode(NewRequest(&GlobalBeginRequest{Timeout: 1000}))
	require.NoError(t, err)

	for i := 0; i < len(frame); i++ {
		_, err := Decode(frame[:i])
		assert.ErrorIs(t, err, ErrIncompleteFrame, "prefix length %d", i)
	}
}

func TestDecodeBadMagicIsFatal(t *testing.T) {
	frame, err := Encode(NewRequest(&GlobalBeginRequest{}))
	require.NoError(t, err)
	frame[0] = 0xff

	_, err = Decode(frame)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestDecodeImpossibleLengthIsFatal(t *testing.T) {
	frame, err := Encode(NewRequest(&GlobalBeginRequest{}))
	require.NoError(t, err)

	short := append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(short[2:6], 3)
	_, err = Decode(short)
	assert.True(t, IsFatal(err))

	huge := append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(huge[2:6], DefaultMaxFrameLength+1)
	_, err = Decode(huge)
	assert.True(t, IsFatal(err))

	badHead := append([]byte(nil), frame...)
	binary.BigEndian.PutUint16(badHead[14:16], 0xffff)
	_, err = Decode(badHead)
	assert.True(t, IsFatal(err))

	badVersion := append([]byte(nil), frame...)
	badVersion[6] = 9
	_, err = Decode(badVersion)
	assert.True(t, IsFatal(err))
}

func TestDecodeUnknownTagsAreRecoverable(t *testing.T) {
	msg := NewRequest(&BranchCommitRequest{XID: "X1", BranchID: 7})
	frame, err := Encode(msg)
	require.NoError(t, err)

	cases := map[string]func(b []byte){
		"message type": func(b []byte) { b[7] = 42 },
		"codec":        func(b []byte) { b[8] = 42 },
		"compressor":   func(b []byte) { b[9] = 42 },
		"type code":    func(b []byte) { binary.BigEndian.PutUint16(b[HeaderLength:], 999) },
		"body":         func(b []byte) { b[len(b)-1] = '!' },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := append([]byte(nil), frame...)
			mutate(b)
			_, err := Decode(b)
			require.Error(t, err)

			var fe *FramingError
			require.True(t, errors.As(err, &fe))
			assert.False(t, fe.Fatal)
			assert.Equal(t, msg.ID, fe.ID)
		})
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	codec := NewCodec(CodecJSON, CompressorNone, 64)
	_, err := codec.Encode(NewRequest(&GlobalBeginRequest{TransactionName: string(make([]byte, 128))}))
	assert.Error(t, err)
}

func TestNewResponseKeepsID(t *testing.T) {
	req := NewRequest(&GlobalStatusRequest{XID: "X1"})
	resp := NewResponse(req, &GlobalStatusResponse{Result: Success()})
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, MessageTypeResponse, resp.MessageType)

	ping := NewHeartbeat()
	pong := NewResponse(ping, &HeartbeatMessage{})
	assert.Equal(t, MessageTypeHeartbeatResponse, pong.MessageType)
	assert.Equal(t, ping.ID, pong.ID)
}

func TestNextIDIsMonotonic(t *testing.T) {
	a, b := NextID(), NextID()
	assert.Greater(t, b, a)
}
