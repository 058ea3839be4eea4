package p2pnet

import (
	"fmt"
	"io"
)

// ProtocolVersion is the only frame version this codec accepts.
const ProtocolVersion = 0

// MessageClass identifies the payload shape that follows a frame header.
type MessageClass byte

const (
	ClassHello         MessageClass = 0x00
	ClassHashRequest   MessageClass = 0x01
	ClassHashResponse  MessageClass = 0x02
	ClassBlockRequest  MessageClass = 0x03
	ClassBlockResponse MessageClass = 0x04
	ClassBlockSend     MessageClass = 0x05
	ClassNodeResponse  MessageClass = 0x06
	ClassNodeBroadcast MessageClass = 0x07
	ClassNodeRequest   MessageClass = 0x08
)

func (c MessageClass) String() string {
	switch c {
	case ClassHello:
		return "Hello"
	case ClassHashRequest:
		return "HashRequest"
	case ClassHashResponse:
		return "HashResponse"
	case ClassBlockRequest:
		return "BlockRequest"
	case ClassBlockResponse:
		return "BlockResponse"
	case ClassBlockSend:
		return "BlockSend"
	case ClassNodeResponse:
		return "NodeResponse"
	case ClassNodeBroadcast:
		return "NodeBroadcast"
	case ClassNodeRequest:
		return "NodeRequest"
	default:
		return fmt.Sprintf("MessageClass(0x%02x)", byte(c))
	}
}

func isKnownClass(c MessageClass) bool {
	switch c {
	case ClassHello, ClassHashRequest, ClassHashResponse, ClassBlockRequest,
		ClassBlockResponse, ClassBlockSend, ClassNodeResponse, ClassNodeBroadcast, ClassNodeRequest:
		return true
	default:
		return false
	}
}

// WriteHeader writes the 2-byte frame header (version, class).
func WriteHeader(w io.Writer, class MessageClass) error {
	_, err := w.Write([]byte{ProtocolVersion, byte(class)})
	return err
}

// ReadHeader reads and validates the 2-byte frame header, returning the
// message class that follows. Payload decoding is class-specific and reads
// directly from r — the wire protocol has no generic length prefix.
func ReadHeader(r io.Reader) (MessageClass, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, newErr(ErrShortFrame, err.Error())
	}
	if hdr[0] != ProtocolVersion {
		return 0, newErr(ErrUnknownMessageClass, fmt.Sprintf("unsupported protocol version %d", hdr[0]))
	}
	class := MessageClass(hdr[1])
	if !isKnownClass(class) {
		return 0, newErr(ErrUnknownMessageClass, fmt.Sprintf("class 0x%02x", hdr[1]))
	}
	return class, nil
}
