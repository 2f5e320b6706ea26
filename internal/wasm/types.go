package wasm

import "fmt"

// FuncType is an ordered sequence of parameter and result value types.
// Equality is structural.
type FuncType struct {
	Params  []ValueType
	Results []ValueType
}

func (t *FuncType) equals(o *FuncType) bool {
	if t == nil || o == nil {
		return t == o
	}
	return sameValueTypes(t.Params, o.Params) && sameValueTypes(t.Results, o.Results)
}

// Equals reports structural equality, exported for use by
// internal/wasmruntime's import-signature matching.
func (t *FuncType) Equals(o *FuncType) bool { return t.equals(o) }

func (t *FuncType) String() string {
	return fmt.Sprintf("%v -> %v", t.Params, t.Results)
}

// Limits is the min/max pair shared by table and memory types.
type Limits struct {
	Min uint32
	Max *uint32 // nil means unbounded
}

// limitsFit reports whether an imported limits declaration (actual) can
// satisfy a declared import limits (want): actual min must be >= declared
// min, and actual max (if declared) must be <= declared max.
func limitsFit(actual, want Limits) bool {
	if actual.Min < want.Min {
		return false
	}
	if want.Max == nil {
		return true
	}
	if actual.Max == nil {
		return false
	}
	return *actual.Max <= *want.Max
}

// TableType describes a table's element type and size limits. Only
// funcref tables are constructable by the binary format in 1.0; externref
// tables are accepted as an extension.
type TableType struct {
	ElemType ValueType
	Limits   Limits
}

// MemoryMaxPages is the absolute ceiling on linear memory pages imposed by
// the 32-bit effective addressing this runtime supports.
const MemoryMaxPages = 65536

// MemoryType is a memory's size limits, in units of 64KiB pages.
type MemoryType struct {
	Limits Limits
}

// GlobalType is a global variable's value type and mutability.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// ExternKind classifies an import or export.
type ExternKind byte

const (
	ExternKindFunc   ExternKind = 0x00
	ExternKindTable  ExternKind = 0x01
	ExternKindMemory ExternKind = 0x02
	ExternKindGlobal ExternKind = 0x03
)

func (k ExternKind) String() string {
	switch k {
	case ExternKindFunc:
		return "func"
	case ExternKindTable:
		return "table"
	case ExternKindMemory:
		return "memory"
	case ExternKindGlobal:
		return "global"
	default:
		return fmt.Sprintf("extern(%#x)", byte(k))
	}
}

// ExternType is the typed payload of an ExternKind: a function carries a
// type index, table/memory carry their limits (+element type for table),
// global carries its GlobalType.
type ExternType struct {
	Kind       ExternKind
	FuncType   uint32 // valid when Kind == ExternKindFunc
	TableType  TableType
	MemoryType MemoryType
	GlobalType GlobalType
}

// Import is a single declared import: the two-level name plus what it
// must resolve to.
type Import struct {
	Module, Name string
	Type         ExternType
}

// Export maps an export name to an index within the extern kind's module
// space.
type Export struct {
	Name  string
	Kind  ExternKind
	Index uint32
}
