package serializer

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"sort"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasSubsystem byte = 1 << 0
	hasMeta      byte = 1 << 1
	hasPayload   byte = 1 << 2
	hasErr       byte = 1 << 3
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	totalSize := b.sizeBytes(msg)
	result := make([]byte, totalSize)

	// Write message type
	result[0] = byte(msg.MsgType)

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing
	pos := 2 // Start after MsgType and flags

	// Handle Subsystem
	if msg.Subsystem != "" {
		flags |= hasSubsystem
		pos = putString(result, pos, msg.Subsystem)
	}

	// Handle Meta, keys are sorted so equal maps serialize equally
	if msg.Meta != nil {
		flags |= hasMeta
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Meta)))
		pos += 4

		keys := make([]string, 0, len(msg.Meta))
		for k := range msg.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pos = putString(result, pos, k)
			pos = putString(result, pos, msg.Meta[k])
		}
	}

	// Handle Payload
	if msg.Payload != nil {
		flags |= hasPayload
		payloadLen := len(msg.Payload)

		// Write payload length
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(payloadLen))
		pos += 4

		// Write payload data
		if payloadLen > 0 {
			copy(result[pos:pos+payloadLen], msg.Payload)
			pos += payloadLen
		}
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		pos = putString(result, pos, msg.Err)
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type
	msg.MsgType = common.MessageType(data[0])

	// Read flags
	flags := data[1]

	// Initialize read position
	pos := 2
	var err error

	// Read Subsystem if present
	if flags&hasSubsystem != 0 {
		if msg.Subsystem, pos, err = readString(data, pos, "subsystem"); err != nil {
			return err
		}
	} else {
		msg.Subsystem = ""
	}

	// Read Meta if present
	if flags&hasMeta != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for meta length")
		}
		count := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4

		// every entry needs at least two length prefixes
		if count > (len(data)-pos)/8 {
			return fmt.Errorf("data too short for %d meta entries", count)
		}

		msg.Meta = make(map[string]string, count)
		for i := 0; i < count; i++ {
			var k, v string
			if k, pos, err = readString(data, pos, "meta key"); err != nil {
				return err
			}
			if v, pos, err = readString(data, pos, "meta value"); err != nil {
				return err
			}
			msg.Meta[k] = v
		}
	} else {
		msg.Meta = nil
	}

	// Read Payload if present
	if flags&hasPayload != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for payload length")
		}

		// Read payload length
		payloadLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(payloadLen) > len(data) {
			return fmt.Errorf("data too short for payload data")
		}

		// Read payload data - create an empty slice (not nil) if length is 0
		// Allocate only if needed
		if msg.Payload == nil || cap(msg.Payload) < int(payloadLen) {
			msg.Payload = make([]byte, payloadLen)
		} else {
			msg.Payload = msg.Payload[:payloadLen]
		}

		if payloadLen > 0 {
			copy(msg.Payload, data[pos:pos+int(payloadLen)])
		}
		pos += int(payloadLen)
	} else {
		msg.Payload = nil
	}

	// Read Err if present
	if flags&hasErr != 0 {
		if msg.Err, _, err = readString(data, pos, "error"); err != nil {
			return err
		}
	} else {
		msg.Err = ""
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 1 byte for flags
	size := 2

	// Add sizes for fields that require length encoding
	if msg.Subsystem != "" {
		size += 4 + len(msg.Subsystem) // 4 bytes for length + subsystem string
	}
	if msg.Meta != nil {
		size += 4 // entry count
		for k, v := range msg.Meta {
			size += 8 + len(k) + len(v) // two length prefixes + key and value
		}
	}
	if msg.Payload != nil {
		size += 4 + len(msg.Payload) // 4 bytes for length + payload bytes
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err) // 4 bytes for length + error string
	}

	return size
}

// putString writes a length prefixed string and returns the new position
func putString(dst []byte, pos int, s string) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(s)))
	pos += 4
	copy(dst[pos:pos+len(s)], s)
	return pos + len(s)
}

// readString reads a length prefixed string and returns it with the new position
func readString(data []byte, pos int, field string) (string, int, error) {
	if pos+4 > len(data) {
		return "", pos, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n < 0 || pos+n > len(data) {
		return "", pos, fmt.Errorf("data too short for %s data", field)
	}
	return string(data[pos : pos+n]), pos + n, nil
}
