package session

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/sushant-115/gojotx/core/transaction"
)

// ErrMalformedFrame wraps decode faults of session payloads.
var ErrMalformedFrame = errors.New("malformed session frame")

// FrameKind tells what the ids of an acknowledgement frame are.
type FrameKind byte

const (
	// FrameBatchAcks carries batch ids whose transactions all completed.
	FrameBatchAcks FrameKind = iota + 1
	// FrameTxnAcks carries transaction ids that completed.
	FrameTxnAcks
)

// Frame is one message of the acknowledgement stream.
//
//	kind u8 | count u32 | id u64*
type Frame struct {
	Kind FrameKind
	IDs  []uint64
}

// Marshal encodes f, little endian.
func (f Frame) Marshal() []byte {
	out := make([]byte, 5+8*len(f.IDs))
	out[0] = byte(f.Kind)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(f.IDs)))
	for i, id := range f.IDs {
		binary.LittleEndian.PutUint64(out[5+8*i:], id)
	}
	return out
}

// UnmarshalFrame decodes a frame written by Marshal.
func UnmarshalFrame(data []byte) (Frame, error) {
	if len(data) < 5 {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "short header")
	}
	f := Frame{Kind: FrameKind(data[0])}
	if f.Kind != FrameBatchAcks && f.Kind != FrameTxnAcks {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "unknown kind %d", data[0])
	}
	ids, err := decodeIDs(data[1:])
	if err != nil {
		return Frame{}, err
	}
	f.IDs = ids
	return f, nil
}

// EncodeResent encodes the transaction ids a client announces it resends.
//
//	count u32 | txnID u64*
func EncodeResent(ids []transaction.TransactionID) []byte {
	out := make([]byte, 4+8*len(ids))
	binary.LittleEndian.PutUint32(out, uint32(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(out[4+8*i:], uint64(id))
	}
	return out
}

// DecodeResent decodes an announcement written by EncodeResent.
func DecodeResent(data []byte) ([]transaction.TransactionID, error) {
	raw, err := decodeIDs(data)
	if err != nil {
		return nil, err
	}
	ids := make([]transaction.TransactionID, len(raw))
	for i, id := range raw {
		ids[i] = transaction.TransactionID(id)
	}
	return ids, nil
}

func decodeIDs(data []byte) ([]uint64, error) {
	if len(data) < 4 {
		return nil, errors.Wrap(ErrMalformedFrame, "short count")
	}
	n := uint64(binary.LittleEndian.Uint32(data))
	body := data[4:]
	if n > math.MaxInt32/8 || uint64(len(body)) != 8*n {
		return nil, errors.Wrapf(ErrMalformedFrame, "%d ids in %d bytes", n, len(body))
	}
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(body[8*i:])
	}
	return ids, nil
}
