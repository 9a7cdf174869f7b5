package manager

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/core/transaction"
)

func newTxn(t *testing.T, source transaction.NodeID, id transaction.TransactionID, gid transaction.GlobalTransactionID, objects ...transaction.ObjectID) *transaction.ServerTransaction {
	t.Helper()
	changes := make([]transaction.Change, 0, len(objects))
	for _, oid := range objects {
		changes = append(changes, transaction.Change{
			ObjectID: oid,
			TypeName: "test.Counter",
			Actions:  []transaction.Action{{Kind: transaction.ActionPhysicalSet, Field: "value", Value: []byte{byte(id)}}},
		})
	}
	txn, err := transaction.New(&transaction.ServerTransaction{ID: id, Source: source, GlobalID: gid, Changes: changes})
	require.NoError(t, err)
	return txn
}

// recorder keeps the order of collaborator calls.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeObject struct {
	id transaction.ObjectID

	mu       sync.Mutex
	applied  []uint64
	fields   map[string][]byte
	failWith error
}

func (o *fakeObject) ID() transaction.ObjectID { return o.id }

func (o *fakeObject) Apply(change *transaction.Change, version uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failWith != nil {
		return o.failWith
	}
	for cur := change.Cursor(); cur.Next(); {
		if a := cur.Action(); a.Kind == transaction.ActionPhysicalSet {
			o.fields[a.Field] = a.Value
		}
	}
	o.applied = append(o.applied, version)
	return nil
}

func (o *fakeObject) versions() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.applied...)
}

// fakeObjectManager checks objects out exclusively. A lookup touching a
// checked-out object goes pending and is resolved by ReleaseAll.
type fakeObjectManager struct {
	rec *recorder

	mu         sync.Mutex
	objects    map[transaction.ObjectID]*fakeObject
	checkedOut map[transaction.ObjectID]bool
	waiting    []*LookupContext
	// extra objects handed out with a lookup, keyed by the requested object
	extra   map[transaction.ObjectID][]transaction.ObjectID
	hold    bool
	held    []*LookupContext
	created []transaction.ObjectID
	deleted []transaction.ObjectID
}

func newFakeObjectManager(rec *recorder) *fakeObjectManager {
	return &fakeObjectManager{
		rec:        rec,
		objects:    make(map[transaction.ObjectID]*fakeObject),
		checkedOut: make(map[transaction.ObjectID]bool),
		extra:      make(map[transaction.ObjectID][]transaction.ObjectID),
	}
}

func (f *fakeObjectManager) objectLocked(id transaction.ObjectID) *fakeObject {
	o, ok := f.objects[id]
	if !ok {
		o = &fakeObject{id: id, fields: make(map[string][]byte)}
		f.objects[id] = o
	}
	return o
}

func (f *fakeObjectManager) object(id transaction.ObjectID) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objectLocked(id)
}

func (f *fakeObjectManager) allObjects() []*fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeObject, 0, len(f.objects))
	for _, o := range f.objects {
		out = append(out, o)
	}
	return out
}

func (f *fakeObjectManager) CreateNewObjects(ids []transaction.ObjectID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.objectLocked(id)
	}
	f.created = append(f.created, ids...)
}

func (f *fakeObjectManager) wanted(ctx *LookupContext) []transaction.ObjectID {
	ids := append([]transaction.ObjectID(nil), ctx.ObjectIDs()...)
	for _, id := range ctx.ObjectIDs() {
		ids = append(ids, f.extra[id]...)
	}
	return ids
}

// checkOutLocked returns nil if any wanted object is busy.
func (f *fakeObjectManager) checkOutLocked(ctx *LookupContext) map[transaction.ObjectID]ManagedObject {
	ids := f.wanted(ctx)
	for _, id := range ids {
		if f.checkedOut[id] {
			return nil
		}
	}
	out := make(map[transaction.ObjectID]ManagedObject, len(ids))
	for _, id := range ids {
		f.checkedOut[id] = true
		out[id] = f.objectLocked(id)
	}
	return out
}

func (f *fakeObjectManager) LookupObjectsFor(_ transaction.NodeID, ctx *LookupContext) bool {
	f.mu.Lock()
	if f.hold {
		f.held = append(f.held, ctx)
		f.mu.Unlock()
		return false
	}
	objs := f.checkOutLocked(ctx)
	if objs == nil {
		f.waiting = append(f.waiting, ctx)
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()
	ctx.SetResults(objs)
	return true
}

// releaseHeld resolves the lookups held back while hold was set.
func (f *fakeObjectManager) releaseHeld() {
	f.mu.Lock()
	f.hold = false
	held := f.held
	f.held = nil
	f.mu.Unlock()
	for _, ctx := range held {
		f.mu.Lock()
		objs := f.checkOutLocked(ctx)
		f.mu.Unlock()
		ctx.SetResults(objs)
	}
}

func (f *fakeObjectManager) ReleaseAll(objects []ManagedObject) {
	f.mu.Lock()
	for _, o := range objects {
		delete(f.checkedOut, o.ID())
	}
	var resolved []*LookupContext
	var resolvedObjs []map[transaction.ObjectID]ManagedObject
	still := f.waiting[:0]
	for _, ctx := range f.waiting {
		if objs := f.checkOutLocked(ctx); objs != nil {
			resolved = append(resolved, ctx)
			resolvedObjs = append(resolvedObjs, objs)
			continue
		}
		still = append(still, ctx)
	}
	f.waiting = still
	f.mu.Unlock()

	if f.rec != nil {
		f.rec.add("release:%d", len(objects))
	}
	for i, ctx := range resolved {
		ctx.SetResults(resolvedObjs[i])
	}
}

func (f *fakeObjectManager) DeleteObjects(ids []transaction.ObjectID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.objects, id)
	}
	f.deleted = append(f.deleted, ids...)
}

type fakeTransport struct {
	rec *recorder

	mu        sync.Mutex
	acks      []transaction.ServerTransactionID
	relayAcks []transaction.ServerTransactionID
}

func (f *fakeTransport) SendAcknowledgement(_ transaction.NodeID, id transaction.ServerTransactionID) error {
	f.mu.Lock()
	f.acks = append(f.acks, id)
	f.mu.Unlock()
	if f.rec != nil {
		f.rec.add("ack:%s", id)
	}
	return nil
}

func (f *fakeTransport) SendRelayAcknowledgement(id transaction.ServerTransactionID) error {
	f.mu.Lock()
	f.relayAcks = append(f.relayAcks, id)
	f.mu.Unlock()
	if f.rec != nil {
		f.rec.add("relay-ack:%s", id)
	}
	return nil
}

func (f *fakeTransport) acked() []transaction.ServerTransactionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transaction.ServerTransactionID(nil), f.acks...)
}

func (f *fakeTransport) relayAcked() []transaction.ServerTransactionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transaction.ServerTransactionID(nil), f.relayAcks...)
}

type fakeLockManager struct {
	mu       sync.Mutex
	notifies []transaction.Notify
	cleared  []transaction.NodeID
}

func (f *fakeLockManager) Notify(_ transaction.NodeID, n transaction.Notify) {
	f.mu.Lock()
	f.notifies = append(f.notifies, n)
	f.mu.Unlock()
}

func (f *fakeLockManager) ClearAllLocksFor(node transaction.NodeID) {
	f.mu.Lock()
	f.cleared = append(f.cleared, node)
	f.mu.Unlock()
}

func (f *fakeLockManager) clearedNodes() []transaction.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transaction.NodeID(nil), f.cleared...)
}

// fakeGTM covers the part of the GID manager the object manager calls.
type fakeGTM struct {
	GlobalTransactionManager
	committed map[transaction.ServerTransactionID]bool
	broken    map[transaction.ServerTransactionID]bool
}

func (f *fakeGTM) InitiateApply(id transaction.ServerTransactionID) (bool, error) {
	if f.broken[id] {
		return false, fmt.Errorf("no gid record for %s", id)
	}
	return !f.committed[id], nil
}

type fakeResent struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResent) GoToActiveMode() error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

// eventListener records manager events.
type eventListener struct {
	rec *recorder
}

func (l eventListener) IncomingTransactions(source transaction.NodeID, ids []transaction.ServerTransactionID) {
	l.rec.add("incoming:%s:%d", source, len(ids))
}

func (l eventListener) TransactionApplied(id transaction.ServerTransactionID, newObjects []transaction.ObjectID) {
	l.rec.add("applied:%s:%v", id, newObjects)
}

func (l eventListener) TransactionCompleted(id transaction.ServerTransactionID) {
	l.rec.add("completed:%s", id)
}

func (l eventListener) ClientDisconnected(node transaction.NodeID) {
	l.rec.add("disconnected:%s", node)
}

type panickingListener struct{ NopListener }

func (panickingListener) IncomingTransactions(transaction.NodeID, []transaction.ServerTransactionID) {
	panic("listener bug")
}

// relayOnIncoming marks every registered transaction relayed, as the relay
// layer does when no passive is configured.
type relayOnIncoming struct {
	NopListener
	tm *TransactionManager
}

func (l relayOnIncoming) IncomingTransactions(_ transaction.NodeID, ids []transaction.ServerTransactionID) {
	l.tm.TransactionsRelayed(ids)
}

type rootRecorder struct {
	rec *recorder
	err error
}

func (r rootRecorder) RootCreated(name string, id transaction.ObjectID) error {
	r.rec.add("root:%s=%d", name, id)
	return r.err
}
