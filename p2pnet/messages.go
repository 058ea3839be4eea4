package p2pnet

import (
	"encoding/binary"
	"io"

	"cubenet.dev/node/cube"
)

// MaxHashCount bounds the entry count of any hash- or block-vector
// payload; a frame declaring more is rejected before its body is read.
const MaxHashCount = 1000

// HashSize and BlockSize are the fixed entry widths for hash-vector and
// block-vector payloads.
const (
	HashSize  = 32
	BlockSize = cube.Size
)

// WriteHello sends peer_id[16], the frame a session sends immediately on
// entering HandshakePending.
func WriteHello(w io.Writer, peerID [16]byte) error {
	if err := WriteHeader(w, ClassHello); err != nil {
		return err
	}
	_, err := w.Write(peerID[:])
	return err
}

// ReadHelloPayload reads the 16-byte peer id following a Hello header
// already consumed by ReadHeader.
func ReadHelloPayload(r io.Reader) ([16]byte, error) {
	var id [16]byte
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, newErr(ErrShortFrame, err.Error())
	}
	return id, nil
}

// WriteHashRequest sends the empty HashRequest frame.
func WriteHashRequest(w io.Writer) error {
	return WriteHeader(w, ClassHashRequest)
}

func writeCount(w io.Writer, n int) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	_, err := w.Write(b[:])
	return err
}

func readCount(r io.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, newErr(ErrShortFrame, err.Error())
	}
	n := binary.BigEndian.Uint32(b[:])
	if n > MaxHashCount {
		return 0, newErr(ErrCountOverflow, "count exceeds MAX_HASH_COUNT")
	}
	return int(n), nil
}

// WriteHashResponse sends u32 count | hash[32] x count.
func WriteHashResponse(w io.Writer, hashes [][32]byte) error {
	if len(hashes) > MaxHashCount {
		return newErr(ErrCountOverflow, "too many hashes for one HashResponse")
	}
	if err := WriteHeader(w, ClassHashResponse); err != nil {
		return err
	}
	if err := writeCount(w, len(hashes)); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadHashVector reads u32 count | hash[32] x count, shared by
// HashResponse and BlockRequest payloads.
func ReadHashVector(r io.Reader) ([][32]byte, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, out[i][:]); err != nil {
			return nil, newErr(ErrShortFrame, err.Error())
		}
	}
	return out, nil
}

// WriteBlockRequest sends u32 count | hash[32] x count under ClassBlockRequest.
func WriteBlockRequest(w io.Writer, hashes [][32]byte) error {
	if len(hashes) > MaxHashCount {
		return newErr(ErrCountOverflow, "too many hashes for one BlockRequest")
	}
	if err := WriteHeader(w, ClassBlockRequest); err != nil {
		return err
	}
	if err := writeCount(w, len(hashes)); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlockResponse sends u32 count | block[1024] x count under the given
// class (BlockResponse for solicited replies, BlockSend for unsolicited push).
func WriteBlockResponse(w io.Writer, class MessageClass, blocks [][]byte) error {
	if err := WriteHeader(w, class); err != nil {
		return err
	}
	if err := writeCount(w, len(blocks)); err != nil {
		return err
	}
	for _, b := range blocks {
		if len(b) != BlockSize {
			return newErr(ErrShortFrame, "block entry is not 1024 bytes")
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlockVector reads u32 count | block[1024] x count.
func ReadBlockVector(r io.Reader) ([][]byte, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, BlockSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, newErr(ErrShortFrame, err.Error())
		}
		out[i] = buf
	}
	return out, nil
}

// WriteNodeResponse sends u32 count | (u16 len | utf8 addr) x count under
// the given class (NodeResponse for solicited replies, NodeBroadcast for
// unsolicited announce).
func WriteNodeResponse(w io.Writer, class MessageClass, addrs []string) error {
	if err := WriteHeader(w, class); err != nil {
		return err
	}
	if err := writeCount(w, len(addrs)); err != nil {
		return err
	}
	for _, a := range addrs {
		if len(a) > 0xFFFF {
			return newErr(ErrShortFrame, "address too long for u16 length prefix")
		}
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(len(a)))
		if _, err := w.Write(lb[:]); err != nil {
			return err
		}
		if _, err := w.Write([]byte(a)); err != nil {
			return err
		}
	}
	return nil
}

// ReadNodeVector reads u32 count | (u16 len | utf8 addr) x count.
func ReadNodeVector(r io.Reader) ([]string, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		var lb [2]byte
		if _, err := io.ReadFull(r, lb[:]); err != nil {
			return nil, newErr(ErrShortFrame, err.Error())
		}
		l := binary.BigEndian.Uint16(lb[:])
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, newErr(ErrShortFrame, err.Error())
		}
		out[i] = string(buf)
	}
	return out, nil
}

// WriteNodeRequest sends the empty NodeRequest frame.
func WriteNodeRequest(w io.Writer) error {
	return WriteHeader(w, ClassNodeRequest)
}
