package transaction

import "fmt"

// ActionKind is the closed set of delta actions a Change can carry.
type ActionKind byte

const (
	// ActionPhysicalSet assigns Value to the field named Field.
	ActionPhysicalSet ActionKind = iota + 1
	// ActionLogicalRemove removes the entry named Field from a logical collection.
	ActionLogicalRemove
	// ActionEvictionCompleted marks that the server finished evicting entries of the object.
	ActionEvictionCompleted
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	return k >= ActionPhysicalSet && k <= ActionEvictionCompleted
}

func (k ActionKind) String() string {
	switch k {
	case ActionPhysicalSet:
		return "physical-set"
	case ActionLogicalRemove:
		return "logical-remove"
	case ActionEvictionCompleted:
		return "eviction-completed"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Action is a single step of an object delta.
type Action struct {
	Kind  ActionKind
	Field string
	Value []byte
}

// Change is the delta (or full snapshot when IsNew is set) for one object.
type Change struct {
	ObjectID ObjectID
	TypeName string
	// Version is the object version carried by the delta. Zero means the
	// version is derived from the GID at apply time.
	Version uint64
	IsNew   bool
	// Indexed changes feed the metadata side channel.
	Indexed bool
	Actions []Action
}

// Cursor returns a cursor positioned before the first action.
func (c *Change) Cursor() *Cursor {
	return &Cursor{actions: c.Actions, pos: -1}
}

// Cursor walks the actions of a Change in order.
type Cursor struct {
	actions []Action
	pos     int
}

// Next advances the cursor and reports whether an action is available.
func (c *Cursor) Next() bool {
	if c.pos+1 >= len(c.actions) {
		c.pos = len(c.actions)
		return false
	}
	c.pos++
	return true
}

// Action returns the action under the cursor.
func (c *Cursor) Action() Action {
	return c.actions[c.pos]
}

// Reset moves the cursor back before the first action.
func (c *Cursor) Reset() { c.pos = -1 }

// MetaDataReader exposes the indexed fields of one change to the metadata
// (search indexing) side channel.
type MetaDataReader struct {
	ObjectID ObjectID
	TypeName string
	Fields   map[string][]byte
}

func newMetaDataReader(c *Change) MetaDataReader {
	r := MetaDataReader{ObjectID: c.ObjectID, TypeName: c.TypeName, Fields: make(map[string][]byte)}
	cur := c.Cursor()
	for cur.Next() {
		a := cur.Action()
		switch a.Kind {
		case ActionPhysicalSet:
			r.Fields[a.Field] = a.Value
		case ActionLogicalRemove:
			delete(r.Fields, a.Field)
		}
	}
	return r
}
