package manager

import (
	"sync"

	"github.com/sushant-115/gojotx/core/transaction"
)

// LookupContext carries one transaction through object lookup.
type LookupContext struct {
	txn *transaction.ServerTransaction
	tom *TxnObjectManager

	mu       sync.Mutex
	objects  map[transaction.ObjectID]ManagedObject
	resolved bool // results arrived
	waiting  bool // the lookup went pending
}

// Transaction returns the transaction whose objects are looked up.
func (c *LookupContext) Transaction() *transaction.ServerTransaction { return c.txn }

// ObjectIDs returns the objects to check out.
func (c *LookupContext) ObjectIDs() []transaction.ObjectID { return c.txn.ObjectIDs() }

// NewObjectIDs returns the objects the transaction creates.
func (c *LookupContext) NewObjectIDs() []transaction.ObjectID { return c.txn.NewObjectIDs() }

// SetResults hands the checked-out objects to the context. If the lookup had
// gone pending the context is queued to be placed again.
func (c *LookupContext) SetResults(objects map[transaction.ObjectID]ManagedObject) {
	c.mu.Lock()
	c.objects = objects
	c.resolved = true
	requeue := c.waiting
	c.waiting = false
	c.mu.Unlock()
	if requeue {
		c.tom.lookupResolved(c)
	}
}

// markWaiting records a pending lookup. It returns false if the results
// already arrived in the meantime.
func (c *LookupContext) markWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.waiting = true
	return true
}

func (c *LookupContext) results() map[transaction.ObjectID]ManagedObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects
}

// grouping is a set of checked-out objects shared by the transactions that
// were placed on them. It is committed, and its objects released, once every
// member finished applying.
type grouping struct {
	objects     map[transaction.ObjectID]ManagedObject
	members     map[transaction.ServerTransactionID]struct{}
	outstanding int
	applied     []transaction.ServerTransactionID
	newRoots    map[string]transaction.ObjectID
	evicted     []transaction.ObjectID
}

func newGrouping(objects map[transaction.ObjectID]ManagedObject) *grouping {
	return &grouping{
		objects:  objects,
		members:  make(map[transaction.ServerTransactionID]struct{}),
		newRoots: make(map[string]transaction.ObjectID),
	}
}

// holdsAll reports whether every id is checked out by g.
func (g *grouping) holdsAll(ids []transaction.ObjectID) bool {
	for _, id := range ids {
		if _, ok := g.objects[id]; !ok {
			return false
		}
	}
	return true
}

func (g *grouping) join(id transaction.ServerTransactionID) {
	g.members[id] = struct{}{}
	g.outstanding++
}

// subset returns the objects of g named by ids.
func (g *grouping) subset(ids []transaction.ObjectID) map[transaction.ObjectID]ManagedObject {
	out := make(map[transaction.ObjectID]ManagedObject, len(ids))
	for _, id := range ids {
		out[id] = g.objects[id]
	}
	return out
}

// finish records the result of one member; it reports whether g is done.
func (g *grouping) finish(id transaction.ServerTransactionID, result ApplyResult) bool {
	if _, ok := g.members[id]; !ok {
		return false
	}
	delete(g.members, id)
	g.outstanding--
	if !result.Skipped {
		g.applied = append(g.applied, id)
	}
	for name, oid := range result.NewRoots {
		g.newRoots[name] = oid
	}
	g.evicted = append(g.evicted, result.Evicted...)
	return g.outstanding == 0
}

func (g *grouping) commitContext() *CommitContext {
	objects := make([]ManagedObject, 0, len(g.objects))
	for _, obj := range g.objects {
		objects = append(objects, obj)
	}
	return &CommitContext{
		Objects:    objects,
		NewRoots:   g.newRoots,
		AppliedIDs: g.applied,
		Evicted:    g.evicted,
	}
}
