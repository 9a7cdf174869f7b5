// Package relay replicates registered batches from the active server to its
// passives and carries the passives' acknowledgements back.
//
// Envelope layout (little endian):
//
//	session [16]byte | source str | gidCount u32 | (txnID u64, gid u64)* | batch bytes
//
// Ack layout:
//
//	from str | idCount u32 | (source str, txnID u64)*
//
// Strings are u16 length prefixed, byte slices u32 length prefixed.
package relay

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sushant-115/gojotx/core/transaction"
)

// ErrMalformedEnvelope wraps every decode fault of relay payloads.
var ErrMalformedEnvelope = errors.New("malformed relay payload")

// GIDAssignment is the GID the active gave to one transaction of the batch.
type GIDAssignment struct {
	TxnID transaction.TransactionID
	GID   transaction.GlobalTransactionID
}

// Envelope is a batch as relayed to a passive.
type Envelope struct {
	// Session identifies the active server instance that relayed the batch.
	Session uuid.UUID
	Source  transaction.NodeID
	GIDs    []GIDAssignment
	Batch   []byte
}

// Ack tells the active which relayed transactions a passive applied.
type Ack struct {
	From transaction.NodeID
	IDs  []transaction.ServerTransactionID
}

type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) put(v any) {
	if w.err == nil {
		w.err = binary.Write(&w.buf, binary.LittleEndian, v)
	}
}

func (w *writer) putString(s string) {
	if len(s) > math.MaxUint16 {
		w.err = errors.Errorf("string of %d bytes too long", len(s))
		return
	}
	w.put(uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) putBytes(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.err = errors.Errorf("payload of %d bytes too long", len(b))
		return
	}
	w.put(uint32(len(b)))
	w.buf.Write(b)
}

type reader struct {
	r *bytes.Reader
}

func (r *reader) read(v any, what string) error {
	if err := binary.Read(r.r, binary.LittleEndian, v); err != nil {
		return errors.Wrapf(ErrMalformedEnvelope, "read %s: %v", what, err)
	}
	return nil
}

func (r *reader) count(what string, minEntry int) (int, error) {
	var n uint32
	if err := r.read(&n, what); err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minEntry) > uint64(r.r.Len()) {
		return 0, errors.Wrapf(ErrMalformedEnvelope, "%s count %d exceeds payload", what, n)
	}
	return int(n), nil
}

func (r *reader) string(what string) (string, error) {
	var n uint16
	if err := r.read(&n, what); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", errors.Wrapf(ErrMalformedEnvelope, "read %s: %v", what, err)
	}
	return string(b), nil
}

func (r *reader) bytes(what string) ([]byte, error) {
	n, err := r.count(what, 1)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "read %s: %v", what, err)
	}
	return b, nil
}

func (r *reader) done() error {
	if r.r.Len() != 0 {
		return errors.Wrapf(ErrMalformedEnvelope, "%d trailing bytes", r.r.Len())
	}
	return nil
}

// Marshal encodes e.
func (e *Envelope) Marshal() ([]byte, error) {
	var w writer
	w.buf.Write(e.Session[:])
	w.putString(string(e.Source))
	w.put(uint32(len(e.GIDs)))
	for _, a := range e.GIDs {
		w.put(uint64(a.TxnID))
		w.put(uint64(a.GID))
	}
	w.putBytes(e.Batch)
	if w.err != nil {
		return nil, errors.Wrap(w.err, "encode relay envelope")
	}
	return w.buf.Bytes(), nil
}

// UnmarshalEnvelope decodes an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	r := reader{r: bytes.NewReader(data)}
	e := &Envelope{}
	if _, err := io.ReadFull(r.r, e.Session[:]); err != nil {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "read session: %v", err)
	}
	source, err := r.string("source")
	if err != nil {
		return nil, err
	}
	e.Source = transaction.NodeID(source)
	n, err := r.count("gids", 16)
	if err != nil {
		return nil, err
	}
	e.GIDs = make([]GIDAssignment, n)
	for i := range e.GIDs {
		var txnID, gid uint64
		if err := r.read(&txnID, "txn id"); err != nil {
			return nil, err
		}
		if err := r.read(&gid, "gid"); err != nil {
			return nil, err
		}
		e.GIDs[i] = GIDAssignment{TxnID: transaction.TransactionID(txnID), GID: transaction.GlobalTransactionID(gid)}
	}
	if e.Batch, err = r.bytes("batch"); err != nil {
		return nil, err
	}
	return e, r.done()
}

// Marshal encodes a.
func (a *Ack) Marshal() ([]byte, error) {
	var w writer
	w.putString(string(a.From))
	w.put(uint32(len(a.IDs)))
	for _, id := range a.IDs {
		w.putString(string(id.Source))
		w.put(uint64(id.TxnID))
	}
	if w.err != nil {
		return nil, errors.Wrap(w.err, "encode relay ack")
	}
	return w.buf.Bytes(), nil
}

// UnmarshalAck decodes an ack.
func UnmarshalAck(data []byte) (*Ack, error) {
	r := reader{r: bytes.NewReader(data)}
	from, err := r.string("from")
	if err != nil {
		return nil, err
	}
	n, err := r.count("ids", 2+8)
	if err != nil {
		return nil, err
	}
	a := &Ack{From: transaction.NodeID(from), IDs: make([]transaction.ServerTransactionID, n)}
	for i := range a.IDs {
		source, err := r.string("source")
		if err != nil {
			return nil, err
		}
		var txnID uint64
		if err := r.read(&txnID, "txn id"); err != nil {
			return nil, err
		}
		a.IDs[i] = transaction.NewServerTransactionID(transaction.NodeID(source), transaction.TransactionID(txnID))
	}
	return a, r.done()
}
