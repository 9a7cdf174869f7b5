// Package batch implements the wire format of a transaction batch, the unit
// of network transfer between clients, the active server and its passives.
//
// Layout (little endian):
//
//	header : batchID u64 | txnCount u32 | syncWrite u8
//	txn    : txnID u64 | type u8 | appTxnCount u32 | sequenceID u64
//	         | locks | roots | notifies | dmis | high-water marks | changes
//
// Strings are u16 length prefixed, byte slices u32 length prefixed, lists u32
// count prefixed. Roots are written sorted by name so encoding is deterministic.
package batch

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/sushant-115/gojotx/core/transaction"
)

const headerSize = 8 + 4 + 1

const (
	changeFlagNew     = 1 << 0
	changeFlagIndexed = 1 << 1
)

var (
	// ErrMalformedBatch wraps every decode fault. The connection that sent the
	// batch must be closed; the batch is never retried.
	ErrMalformedBatch = errors.New("malformed transaction batch")
	// ErrTrailingBytes is returned when bytes remain after the declared transactions.
	ErrTrailingBytes = errors.New("trailing bytes after last transaction in batch")
	// ErrFieldTooLarge is returned when a field does not fit its length prefix.
	ErrFieldTooLarge = errors.New("batch field too large for wire format")
	// ErrInvalidTransaction is returned when encoding a transaction the wire cannot carry.
	ErrInvalidTransaction = errors.New("transaction cannot be encoded")
	// ErrRangeNotFound is returned when a sub-range names transactions not in the batch.
	ErrRangeNotFound = errors.New("transaction range not found in batch")
)

// Header is the fixed prefix of every batch.
type Header struct {
	BatchID   transaction.BatchID
	Count     uint32
	SyncWrite bool
}

func writeHeader(buf *bytes.Buffer, h Header) error {
	e := encoder{buf: buf}
	e.put(uint64(h.BatchID))
	e.put(h.Count)
	e.putBool(h.SyncWrite)
	return e.err
}

// encoder accumulates the first write error so record encoding reads linearly.
type encoder struct {
	buf *bytes.Buffer
	err error
}

func (e *encoder) put(v any) {
	if e.err != nil {
		return
	}
	if err := binary.Write(e.buf, binary.LittleEndian, v); err != nil {
		e.err = errors.Wrap(err, "failed to serialize batch field")
	}
}

func (e *encoder) putBool(b bool) {
	var v uint8
	if b {
		v = 1
	}
	e.put(v)
}

func (e *encoder) putCount(n int) {
	if n > math.MaxUint32 {
		e.fail(errors.Wrapf(ErrFieldTooLarge, "list of %d entries", n))
		return
	}
	e.put(uint32(n))
}

func (e *encoder) putString(s string) {
	if len(s) > math.MaxUint16 {
		e.fail(errors.Wrapf(ErrFieldTooLarge, "string of %d bytes", len(s)))
		return
	}
	e.put(uint16(len(s)))
	if e.err == nil {
		e.buf.WriteString(s)
	}
}

func (e *encoder) putBytes(b []byte) {
	e.putCount(len(b))
	if e.err == nil {
		e.buf.Write(b)
	}
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func encodeTransaction(buf *bytes.Buffer, txn *transaction.ServerTransaction) error {
	if !txn.Type.Valid() {
		return errors.Wrapf(ErrInvalidTransaction, "txn %d has type %s", txn.ID, txn.Type)
	}
	e := encoder{buf: buf}
	e.put(uint64(txn.ID))
	e.put(uint8(txn.Type))
	e.put(txn.NumApplicationTxn)
	e.put(uint64(txn.SequenceID))

	e.putCount(len(txn.LockIDs))
	for _, l := range txn.LockIDs {
		e.putString(string(l))
	}

	names := make([]string, 0, len(txn.NewRoots))
	for name := range txn.NewRoots {
		names = append(names, name)
	}
	sort.Strings(names)
	e.putCount(len(names))
	for _, name := range names {
		e.putString(name)
		e.put(uint64(txn.NewRoots[name]))
	}

	e.putCount(len(txn.Notifies))
	for _, n := range txn.Notifies {
		e.putString(string(n.LockID))
		e.putBool(n.All)
	}

	e.putCount(len(txn.DmiDescriptors))
	for _, d := range txn.DmiDescriptors {
		e.put(uint64(d.ReceiverID))
		e.put(uint64(d.DmiCallID))
		e.putBool(d.FaultReceiver)
	}

	e.putCount(len(txn.HighWaterMarks))
	for _, h := range txn.HighWaterMarks {
		e.put(h)
	}

	e.putCount(len(txn.Changes))
	for i := range txn.Changes {
		c := &txn.Changes[i]
		e.put(uint64(c.ObjectID))
		var flags uint8
		if c.IsNew {
			flags |= changeFlagNew
		}
		if c.Indexed {
			flags |= changeFlagIndexed
		}
		e.put(flags)
		e.putString(c.TypeName)
		e.put(c.Version)
		e.putCount(len(c.Actions))
		for _, a := range c.Actions {
			if !a.Kind.Valid() {
				e.fail(errors.Wrapf(ErrInvalidTransaction, "object %d has action %s", c.ObjectID, a.Kind))
				break
			}
			e.put(uint8(a.Kind))
			e.putString(a.Field)
			e.putBytes(a.Value)
		}
	}
	return e.err
}

// decoder reads fields forward from a bytes.Reader and reports its offset.
type decoder struct {
	data []byte
	r    *bytes.Reader
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data, r: bytes.NewReader(data)}
}

func (d *decoder) offset() int { return len(d.data) - d.r.Len() }

func (d *decoder) remaining() int { return d.r.Len() }

func (d *decoder) read(v any, what string) error {
	if err := binary.Read(d.r, binary.LittleEndian, v); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Wrapf(ErrMalformedBatch, "truncated %s at offset %d", what, d.offset())
		}
		return errors.Wrapf(ErrMalformedBatch, "failed to deserialize %s: %v", what, err)
	}
	return nil
}

func (d *decoder) uint8(what string) (uint8, error) {
	var v uint8
	err := d.read(&v, what)
	return v, err
}

func (d *decoder) uint32(what string) (uint32, error) {
	var v uint32
	err := d.read(&v, what)
	return v, err
}

func (d *decoder) uint64(what string) (uint64, error) {
	var v uint64
	err := d.read(&v, what)
	return v, err
}

func (d *decoder) bool(what string) (bool, error) {
	v, err := d.uint8(what)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, errors.Wrapf(ErrMalformedBatch, "invalid boolean %d for %s", v, what)
	}
	return v == 1, nil
}

// count reads a list length and bounds it by the bytes left, each entry
// taking at least minEntry bytes.
func (d *decoder) count(what string, minEntry int) (int, error) {
	n, err := d.uint32(what + " count")
	if err != nil {
		return 0, err
	}
	if minEntry > 0 && int64(n)*int64(minEntry) > int64(d.remaining()) {
		return 0, errors.Wrapf(ErrMalformedBatch, "%s count %d exceeds remaining %d bytes", what, n, d.remaining())
	}
	return int(n), nil
}

func (d *decoder) string(what string) (string, error) {
	var n uint16
	if err := d.read(&n, what+" length"); err != nil {
		return "", err
	}
	if int(n) > d.remaining() {
		return "", errors.Wrapf(ErrMalformedBatch, "truncated %s: need %d bytes, have %d", what, n, d.remaining())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", errors.Wrapf(ErrMalformedBatch, "failed to read %s: %v", what, err)
	}
	return string(b), nil
}

func (d *decoder) bytes(what string) ([]byte, error) {
	n, err := d.count(what, 1)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, errors.Wrapf(ErrMalformedBatch, "failed to read %s: %v", what, err)
	}
	return b, nil
}

func readHeader(d *decoder) (Header, error) {
	var h Header
	id, err := d.uint64("batch id")
	if err != nil {
		return h, err
	}
	count, err := d.uint32("transaction count")
	if err != nil {
		return h, err
	}
	sync, err := d.bool("sync-write flag")
	if err != nil {
		return h, err
	}
	return Header{BatchID: transaction.BatchID(id), Count: count, SyncWrite: sync}, nil
}

func decodeTransaction(d *decoder, source transaction.NodeID, batchID transaction.BatchID) (*transaction.ServerTransaction, error) {
	txn := &transaction.ServerTransaction{BatchID: batchID, Source: source}

	id, err := d.uint64("transaction id")
	if err != nil {
		return nil, err
	}
	txn.ID = transaction.TransactionID(id)

	typ, err := d.uint8("transaction type")
	if err != nil {
		return nil, err
	}
	txn.Type = transaction.TxnType(typ)
	if !txn.Type.Valid() {
		return nil, errors.Wrapf(ErrMalformedBatch, "txn %d has unknown type tag %d", id, typ)
	}

	if txn.NumApplicationTxn, err = d.uint32("application txn count"); err != nil {
		return nil, err
	}
	seq, err := d.uint64("sequence id")
	if err != nil {
		return nil, err
	}
	txn.SequenceID = transaction.SequenceID(seq)

	n, err := d.count("lock", 2)
	if err != nil {
		return nil, err
	}
	txn.LockIDs = make([]transaction.LockID, 0, n)
	for i := 0; i < n; i++ {
		s, err := d.string("lock id")
		if err != nil {
			return nil, err
		}
		txn.LockIDs = append(txn.LockIDs, transaction.LockID(s))
	}

	if n, err = d.count("root", 10); err != nil {
		return nil, err
	}
	txn.NewRoots = make(map[string]transaction.ObjectID, n)
	for i := 0; i < n; i++ {
		name, err := d.string("root name")
		if err != nil {
			return nil, err
		}
		oid, err := d.uint64("root object id")
		if err != nil {
			return nil, err
		}
		txn.NewRoots[name] = transaction.ObjectID(oid)
	}

	if n, err = d.count("notify", 3); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		lock, err := d.string("notify lock id")
		if err != nil {
			return nil, err
		}
		all, err := d.bool("notify all")
		if err != nil {
			return nil, err
		}
		txn.Notifies = append(txn.Notifies, transaction.Notify{LockID: transaction.LockID(lock), All: all})
	}

	if n, err = d.count("dmi", 17); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		recv, err := d.uint64("dmi receiver")
		if err != nil {
			return nil, err
		}
		call, err := d.uint64("dmi call id")
		if err != nil {
			return nil, err
		}
		fault, err := d.bool("dmi fault receiver")
		if err != nil {
			return nil, err
		}
		txn.DmiDescriptors = append(txn.DmiDescriptors, transaction.DmiDescriptor{
			ReceiverID:    transaction.ObjectID(recv),
			DmiCallID:     transaction.ObjectID(call),
			FaultReceiver: fault,
		})
	}

	if n, err = d.count("high-water mark", 8); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		h, err := d.uint64("high-water mark")
		if err != nil {
			return nil, err
		}
		txn.HighWaterMarks = append(txn.HighWaterMarks, h)
	}

	if n, err = d.count("change", 23); err != nil {
		return nil, err
	}
	txn.Changes = make([]transaction.Change, 0, n)
	for i := 0; i < n; i++ {
		c, err := decodeChange(d)
		if err != nil {
			return nil, err
		}
		txn.Changes = append(txn.Changes, c)
	}

	out, err := transaction.New(txn)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedBatch, err.Error())
	}
	return out, nil
}

func decodeChange(d *decoder) (transaction.Change, error) {
	var c transaction.Change
	oid, err := d.uint64("object id")
	if err != nil {
		return c, err
	}
	c.ObjectID = transaction.ObjectID(oid)
	flags, err := d.uint8("change flags")
	if err != nil {
		return c, err
	}
	if flags&^(changeFlagNew|changeFlagIndexed) != 0 {
		return c, errors.Wrapf(ErrMalformedBatch, "object %d has unknown change flags %#x", oid, flags)
	}
	c.IsNew = flags&changeFlagNew != 0
	c.Indexed = flags&changeFlagIndexed != 0
	if c.TypeName, err = d.string("type name"); err != nil {
		return c, err
	}
	if c.Version, err = d.uint64("object version"); err != nil {
		return c, err
	}
	n, err := d.count("action", 7)
	if err != nil {
		return c, err
	}
	c.Actions = make([]transaction.Action, 0, n)
	for i := 0; i < n; i++ {
		kind, err := d.uint8("action kind")
		if err != nil {
			return c, err
		}
		a := transaction.Action{Kind: transaction.ActionKind(kind)}
		if !a.Kind.Valid() {
			return c, errors.Wrapf(ErrMalformedBatch, "object %d has unknown action kind %d", oid, kind)
		}
		if a.Field, err = d.string("action field"); err != nil {
			return c, err
		}
		if a.Value, err = d.bytes("action value"); err != nil {
			return c, err
		}
		c.Actions = append(c.Actions, a)
	}
	return c, nil
}
