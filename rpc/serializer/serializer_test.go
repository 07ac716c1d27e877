package serializer

import (
	"bytes"
	"errors"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"io"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTResponse},

		// Invocation request
		{
			MsgType:   common.MsgTInvocation,
			Subsystem: "echo",
			Payload:   []byte("test-payload"),
		},

		// Oneway request with metadata
		{
			MsgType:   common.MsgTOneway,
			Subsystem: "audit",
			Meta:      map[string]string{"timeout": "1500", "trace": "abc"},
			Payload:   []byte("fire-and-forget"),
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},

		// Message with all fields filled
		{
			MsgType:   common.MsgTCallback,
			Subsystem: "listener",
			Meta:      map[string]string{"k": "v"},
			Payload:   []byte("test-callback-value"),
			Err:       "partial failure",
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTInvocation; msgType <= common.MsgTError; msgType++ {
				msg := common.Message{MsgType: msgType}

				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Check type
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	// Test cases for empty or zero values
	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Message with empty payload slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTInvocation,
				Payload: []byte{},
			},
		},
		{
			name: "Message with empty meta map but not nil",
			msg: common.Message{
				MsgType: common.MsgTInvocation,
				Meta:    map[string]string{},
			},
		},
		{
			name: "Meta with empty key and value",
			msg: common.Message{
				MsgType: common.MsgTOneway,
				Meta:    map[string]string{"": ""},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			// nil and empty must stay distinguishable
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("mismatch:\nOriginal: %#v\nResult:   %#v", tc.msg, result)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1}, // Only message type, no flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Invalid length for subsystem",
			data:        []byte{1, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for payload",
			data:        []byte{1, 4, 0, 0, 0, 10}, // Claims payload length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Too many meta entries",
			data:        []byte{1, 2, 0xff, 0xff, 0xff, 0xff}, // Claims 4 billion entries
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

// TestStreamCodec writes several frames back to back and reads them again
func TestStreamCodec(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()
			var buf bytes.Buffer

			messages := testMessages()
			for i := range messages {
				if err := WriteMessage(&buf, s, &messages[i]); err != nil {
					t.Fatalf("WriteMessage %d: %v", i, err)
				}
			}

			for i, want := range messages {
				var got common.Message
				if err := ReadMessage(&buf, s, &got, 0); err != nil {
					t.Fatalf("ReadMessage %d: %v", i, err)
				}
				if !reflect.DeepEqual(want, got) {
					t.Errorf("frame %d mismatch:\nOriginal: %+v\nResult: %+v", i, want, got)
				}
			}

			var extra common.Message
			if err := ReadMessage(&buf, s, &extra, 0); err != io.EOF {
				t.Errorf("expected io.EOF after last frame, got %v", err)
			}
		})
	}
}

// TestStreamCodecErrors covers oversized, truncated and undecodable frames
func TestStreamCodecErrors(t *testing.T) {
	s := NewBinarySerializer()
	msg := common.NewInvocationRequest("echo", bytes.Repeat([]byte("x"), 64), nil)

	var buf bytes.Buffer
	if err := WriteMessage(&buf, s, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	frame := buf.Bytes()

	var out common.Message
	if err := ReadMessage(bytes.NewReader(frame), s, &out, 16); !errors.Is(err, common.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	if err := ReadMessage(bytes.NewReader(frame[:len(frame)-1]), s, &out, 0); err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF for truncated frame, got %v", err)
	}

	garbage := []byte{0, 0, 0, 1, 7} // one byte body, too short for a header
	if err := ReadMessage(bytes.NewReader(garbage), s, &out, 0); !errors.Is(err, common.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
}

// TestStdSerializerDecodeErrors checks that json and gob report undecodable
// input as common.ErrDecode, also through the stream codec
func TestStdSerializerDecodeErrors(t *testing.T) {
	for name, factory := range map[string]func() IRPCSerializer{
		"JSON": NewJSONSerializer,
		"GOB":  NewGOBSerializer,
	} {
		t.Run(name, func(t *testing.T) {
			s := factory()
			var out common.Message
			if err := s.Deserialize([]byte("\x01not a message"), &out); !errors.Is(err, common.ErrDecode) {
				t.Errorf("expected ErrDecode, got %v", err)
			}

			frame := []byte{0, 0, 0, 3, '{', '{', '{'}
			err := ReadMessage(bytes.NewReader(frame), s, &out, 0)
			if !errors.Is(err, common.ErrDecode) {
				t.Fatalf("expected ErrDecode from the stream codec, got %v", err)
			}
			if n := strings.Count(err.Error(), common.ErrDecode.Error()); n != 1 {
				t.Errorf("decode error wrapped %d times: %v", n, err)
			}
		})
	}
}

// TestStdSerializerResetsMessage checks that decoding into a used message
// does not keep fields of the previous one
func TestStdSerializerResetsMessage(t *testing.T) {
	for name, factory := range map[string]func() IRPCSerializer{
		"JSON": NewJSONSerializer,
		"GOB":  NewGOBSerializer,
	} {
		t.Run(name, func(t *testing.T) {
			s := factory()
			data, err := s.Serialize(common.Message{MsgType: common.MsgTResponse})
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			out := common.Message{Subsystem: "stale", Payload: []byte("stale")}
			if err := s.Deserialize(data, &out); err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if out.Subsystem != "" || out.Payload != nil {
				t.Errorf("stale fields survived decoding: %+v", out)
			}
		})
	}
}

// TestStreamCodecHugeHeader checks that a forged length prefix is rejected
// by the default size limit before the body is allocated
func TestStreamCodecHugeHeader(t *testing.T) {
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	var out common.Message

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err := ReadMessage(bytes.NewReader(header), NewBinarySerializer(), &out, common.DefaultMaxMessageSize)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, common.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 1<<20 {
		t.Errorf("rejecting the frame allocated %d bytes", grown)
	}
}
