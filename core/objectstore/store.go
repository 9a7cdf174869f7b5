// Package objectstore is an in-memory object manager. Objects are kept in a
// btree by id and checked out exclusively to one transaction grouping at a
// time; a lookup touching a checked-out object waits until it is released.
package objectstore

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/manager"
)

// ErrVersionRegression is returned when a change would move an object's version back.
var ErrVersionRegression = errors.New("object version moved backwards")

type fieldItem struct {
	name  string
	value []byte
}

func (f *fieldItem) Less(than btree.Item) bool { return f.name < than.(*fieldItem).name }

// Object is a stored object: a versioned set of named fields.
type Object struct {
	id transaction.ObjectID

	mu       sync.RWMutex
	typeName string
	version  uint64
	fields   *btree.BTree
}

func newObject(id transaction.ObjectID) *Object {
	return &Object{id: id, fields: btree.New(8)}
}

func (o *Object) Less(than btree.Item) bool { return o.id < than.(*Object).id }

func (o *Object) ID() transaction.ObjectID { return o.id }

// Apply applies the physical actions of change and stamps version.
func (o *Object) Apply(change *transaction.Change, version uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if version < o.version {
		return errors.Wrapf(ErrVersionRegression, "object %d at %d, change at %d", o.id, o.version, version)
	}
	if o.typeName == "" {
		o.typeName = change.TypeName
	}
	for cur := change.Cursor(); cur.Next(); {
		a := cur.Action()
		switch a.Kind {
		case transaction.ActionPhysicalSet:
			o.fields.ReplaceOrInsert(&fieldItem{name: a.Field, value: a.Value})
		case transaction.ActionLogicalRemove:
			o.fields.Delete(&fieldItem{name: a.Field})
		}
	}
	o.version = version
	return nil
}

// Version returns the version of the last applied change.
func (o *Object) Version() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// TypeName returns the type of the object, empty until a change was applied.
func (o *Object) TypeName() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.typeName
}

// Field returns the value of one field.
func (o *Object) Field(name string) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	it := o.fields.Get(&fieldItem{name: name})
	if it == nil {
		return nil, false
	}
	return it.(*fieldItem).value, true
}

// FieldNames returns the field names in order.
func (o *Object) FieldNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, o.fields.Len())
	o.fields.Ascend(func(i btree.Item) bool {
		names = append(names, i.(*fieldItem).name)
		return true
	})
	return names
}

type waiter struct {
	node transaction.NodeID
	ctx  *manager.LookupContext
}

// Store implements the object manager and instance monitor of the
// transaction manager.
type Store struct {
	logger *zap.Logger

	mu         sync.Mutex
	objects    *btree.BTree
	checkedOut map[transaction.ObjectID]struct{}
	waiting    []waiter
	instances  map[string]int64
}

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:     logger.Named("object_store"),
		objects:    btree.New(32),
		checkedOut: make(map[transaction.ObjectID]struct{}),
		instances:  make(map[string]int64),
	}
}

func (s *Store) getLocked(id transaction.ObjectID) *Object {
	if it := s.objects.Get(&Object{id: id}); it != nil {
		return it.(*Object)
	}
	return nil
}

// CreateNewObjects registers objects transactions are about to create.
func (s *Store) CreateNewObjects(ids []transaction.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.getLocked(id) == nil {
			s.objects.ReplaceOrInsert(newObject(id))
		}
	}
}

// checkOutLocked returns nil if any object of ctx is checked out. Objects
// the store does not hold are left out of the result.
func (s *Store) checkOutLocked(ctx *manager.LookupContext) map[transaction.ObjectID]manager.ManagedObject {
	ids := ctx.ObjectIDs()
	for _, id := range ids {
		if _, busy := s.checkedOut[id]; busy {
			return nil
		}
	}
	out := make(map[transaction.ObjectID]manager.ManagedObject, len(ids))
	for _, id := range ids {
		o := s.getLocked(id)
		if o == nil {
			continue
		}
		s.checkedOut[id] = struct{}{}
		out[id] = o
	}
	return out
}

// LookupObjectsFor checks out the objects of ctx, or queues the lookup.
func (s *Store) LookupObjectsFor(node transaction.NodeID, ctx *manager.LookupContext) bool {
	s.mu.Lock()
	objs := s.checkOutLocked(ctx)
	if objs == nil {
		s.waiting = append(s.waiting, waiter{node: node, ctx: ctx})
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	ctx.SetResults(objs)
	return true
}

// ReleaseAll returns objects and resolves the lookups they held up, oldest first.
func (s *Store) ReleaseAll(objects []manager.ManagedObject) {
	s.mu.Lock()
	for _, o := range objects {
		delete(s.checkedOut, o.ID())
	}
	var resolved []waiter
	var results []map[transaction.ObjectID]manager.ManagedObject
	still := s.waiting[:0]
	for _, w := range s.waiting {
		if objs := s.checkOutLocked(w.ctx); objs != nil {
			resolved = append(resolved, w)
			results = append(results, objs)
			continue
		}
		still = append(still, w)
	}
	for i := len(still); i < len(s.waiting); i++ {
		s.waiting[i] = waiter{}
	}
	s.waiting = still
	s.mu.Unlock()

	for i, w := range resolved {
		w.ctx.SetResults(results[i])
	}
}

// DeleteObjects drops evicted objects.
func (s *Store) DeleteObjects(ids []transaction.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.objects.Delete(&Object{id: id}) != nil {
			s.logger.Debug("object evicted", zap.Uint64("object", uint64(id)))
		}
	}
}

// InstanceCreated counts a new object of typeName.
func (s *Store) InstanceCreated(typeName string) {
	s.mu.Lock()
	s.instances[typeName]++
	s.mu.Unlock()
}

// InstanceCount returns how many objects of typeName were created.
func (s *Store) InstanceCount(typeName string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[typeName]
}

// Get returns a stored object.
func (s *Store) Get(id transaction.ObjectID) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.getLocked(id)
	return o, o != nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects.Len()
}

// Waiting returns the number of lookups waiting for objects.
func (s *Store) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}
