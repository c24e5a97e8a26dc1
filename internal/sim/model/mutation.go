package model

// Op tags a Mutation variant.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpExtend Op = "extend"
)

func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpExtend:
		return true
	}
	return false
}

// Mutation is the single unit applied to an object store, whether it was
// produced locally or received from the relay. Delete mutations only carry ID.
type Mutation struct {
	Op     Op
	ID     string
	Object BuildObject
}

func Create(o BuildObject) Mutation { return Mutation{Op: OpCreate, ID: o.ID, Object: o} }
func Update(o BuildObject) Mutation { return Mutation{Op: OpUpdate, ID: o.ID, Object: o} }
func Extend(o BuildObject) Mutation { return Mutation{Op: OpExtend, ID: o.ID, Object: o} }
func Delete(id string) Mutation     { return Mutation{Op: OpDelete, ID: id} }
