package serializer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/sockrpc/rpc/common"
	"io"
)

// --------------------------------------------------------------------------
// Stream codec
// --------------------------------------------------------------------------

// frameHeaderSize is the size of the big endian length prefix of a frame
const frameHeaderSize = 4

// WriteMessage serializes msg and writes it as a single length prefixed frame.
// The writer is not flushed.
func WriteMessage(w io.Writer, s IRPCSerializer, msg *common.Message) error {
	data, err := s.Serialize(*msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMessage reads one length prefixed frame and deserializes it into msg.
// Frames larger than maxSize are rejected with common.ErrMessageTooLarge
// (maxSize <= 0 disables the check). I/O errors are returned unchanged,
// decoding errors wrap common.ErrDecode.
func ReadMessage(r io.Reader, s IRPCSerializer, msg *common.Message, maxSize int) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return fmt.Errorf("%w: %d > %d bytes", common.ErrMessageTooLarge, size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		// the header promised a body, a missing body is a truncated stream
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if err := s.Deserialize(data, msg); err != nil {
		if errors.Is(err, common.ErrDecode) {
			return err
		}
		return fmt.Errorf("%w: %v", common.ErrDecode, err)
	}
	return nil
}
