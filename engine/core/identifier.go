package core

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// ID identifies a cached resource. It is derived from the resource name and
// never changes for the lifetime of the process or across runs.
type ID uint32

const (
	InvalidID ID = 4294967295

	idMask uint32 = 0x7FFFFFFF
)

func (id ID) IsValid() bool {
	return id != InvalidID
}

// ToID derives the identifier of a resource from its name. The top bit is
// always cleared so a derived id can never collide with InvalidID.
func ToID(name string) ID {
	return ID(murmur3.Sum32([]byte(name)) & idMask)
}

// ToCloneID derives the identifier of the seq-th clone of name.
func ToCloneID(name string, seq uint32) ID {
	return ToID(fmt.Sprintf("%s_clone#%04d", name, seq))
}
