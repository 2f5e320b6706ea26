package wasm

// GlobalSegment is a declared (non-imported) global: its type plus the
// constant expression that initializes it.
type GlobalSegment struct {
	Type GlobalType
	Init *ConstExpr
}

// ElementMode classifies how an element segment takes effect.
type ElementMode byte

const (
	ElementModeActive ElementMode = iota
	ElementModePassive
	ElementModeDeclarative
)

// ElementSegment holds a table's initializer entries: either a flat list of
// function indices (the funcref shorthand encodings) or a list of constant
// reference expressions (the general encodings introduced alongside
// reference types).
type ElementSegment struct {
	Mode       ElementMode
	TableIndex uint32 // meaningful only when Mode == ElementModeActive
	Offset     *ConstExpr
	RefType    ValueType
	FuncIndexes []uint32  // populated when the segment uses the funcref-index encoding
	Init        []*ConstExpr // populated when the segment uses the general expression encoding
}

// Count returns the number of entries the segment initializes.
func (e *ElementSegment) Count() int {
	if e.FuncIndexes != nil {
		return len(e.FuncIndexes)
	}
	return len(e.Init)
}

// DataMode classifies how a data segment takes effect.
type DataMode byte

const (
	DataModeActive DataMode = iota
	DataModePassive
)

// DataSegment is a block of bytes destined for linear memory (active) or
// held for memory.init (passive).
type DataSegment struct {
	Mode        DataMode
	MemoryIndex uint32
	Offset      *ConstExpr
	Init        []byte
}
