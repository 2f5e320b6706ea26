package wasmruntime

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/danielstuart14/tinywasm/internal/wasm"
)

// Store owns every module instantiated against it, and is the unit of
// sharing for imports: one module's exports become another's imports by
// name lookup within the same Store.
type Store struct {
	mu      sync.Mutex
	modules map[string]*ModuleInstance

	// MemoryCapacityFromMax, when set before instantiation, pre-allocates
	// each declared memory's backing slice to its declared maximum so Grow
	// extends within capacity instead of reallocating. The memory's length
	// (and thus memory.size) is unaffected.
	MemoryCapacityFromMax bool
}

func NewStore() *Store {
	return &Store{modules: make(map[string]*ModuleInstance)}
}

// Module looks up a previously instantiated module by the name it was
// instantiated under.
func (s *Store) Module(name string) (*ModuleInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[name]
	return m, ok
}

// FunctionInstance is a callable function: either defined by wasm bytecode
// or provided by the host.
type FunctionInstance struct {
	Type *wasm.FuncType

	// Module and Body are set for a wasm-defined function.
	Module *ModuleInstance
	Body   *wasm.FuncBody

	// Host is set for a host-provided function. It receives and returns
	// values in the uint64 bit-pattern encoding described in value.go.
	Host func(ctx *CallContext, args []uint64) ([]uint64, error)

	Name string // best-effort, from the name section or host registration
}

func (f *FunctionInstance) isHost() bool { return f.Host != nil }

// TableInstance is a mutable, growable array of opaque references
// (function addresses for funcref, host handles for externref).
type TableInstance struct {
	ElemType wasm.ValueType
	Elements []uint64
	Max      *uint32
}

// MemoryPageSize is 64KiB, the unit Limits are expressed in for memories.
const MemoryPageSize = 65536

// MemoryInstance is linear memory: a contiguous, growable byte slice.
type MemoryInstance struct {
	mu   sync.RWMutex
	Data []byte
	Max  *uint32 // in pages; nil means MemoryMaxPages
}

func (m *MemoryInstance) Pages() uint32 { return uint32(len(m.Data) / MemoryPageSize) }

// Grow attempts to grow memory by delta pages, returning the previous page
// count, or -1 if growth would exceed the maximum. memory.grow never traps;
// it signals failure through the -1 return.
func (m *MemoryInstance) Grow(delta uint32) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.Pages()
	max := uint32(wasm.MemoryMaxPages)
	if m.Max != nil {
		max = *m.Max
	}
	if uint64(prev)+uint64(delta) > uint64(max) {
		return -1
	}
	m.Data = append(m.Data, make([]byte, uint64(delta)*MemoryPageSize)...)
	return int32(prev)
}

// GlobalInstance is a mutable or immutable global variable slot.
type GlobalInstance struct {
	Type  wasm.GlobalType
	Value uint64
}

// ExportInstance is one resolved export: exactly one of the pointer fields
// is non-nil, selected by Kind.
type ExportInstance struct {
	Kind   wasm.ExternKind
	Func   *FunctionInstance
	Table  *TableInstance
	Memory *MemoryInstance
	Global *GlobalInstance
}

// ModuleInstance is a module bound to concrete storage: every index space
// resolved to live objects, ready to call into.
type ModuleInstance struct {
	store *Store
	name  string

	Types   []wasm.FuncType
	Funcs   []*FunctionInstance
	Tables  []*TableInstance
	Memory  *MemoryInstance
	Globals []*GlobalInstance
	Exports map[string]ExportInstance

	// dataSegments/elemSegments are retained, mutable copies so
	// data.drop/elem.drop can empty them at run time without touching
	// the immutable decoded wasm.Module.
	dataSegments []*[]byte
	elemSegments []*[]uint64
}

// Name is the name this instance was registered under (Store.Instantiate's
// name argument).
func (mi *ModuleInstance) Name() string { return mi.name }

// Export looks up a named export.
func (mi *ModuleInstance) Export(name string) (ExportInstance, bool) {
	e, ok := mi.Exports[name]
	return e, ok
}

// Instantiate resolves imports against already-registered modules in the
// store, allocates every index space, runs the start function if present,
// and registers the result under name. On any failure nothing is
// registered and the partially-built instance is discarded. Writes that
// active segments or the start function already made to imported tables
// or memories are not undone, and function names from this module's name
// section are also set on the imported functions it links.
func (s *Store) Instantiate(name string, m *wasm.Module) (mi *ModuleInstance, err error) {
	s.mu.Lock()
	if _, exists := s.modules[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: module %q already instantiated", wasm.ErrImportMismatch, name)
	}
	s.mu.Unlock()

	mi = &ModuleInstance{store: s, name: name, Types: m.Types}
	Logger().Debug("instantiating module", zap.String("name", name), zap.Int("funcs", len(m.FunctionTypeIndexes)), zap.Int("imports", len(m.Imports)))

	if err := mi.resolveAndBuildFuncs(m); err != nil {
		return nil, err
	}
	if err := mi.buildTables(m); err != nil {
		return nil, err
	}
	if err := mi.buildMemory(m); err != nil {
		return nil, err
	}
	if err := mi.buildGlobals(m); err != nil {
		return nil, err
	}
	mi.buildExports(m)

	if err := mi.processElements(m); err != nil {
		return nil, err
	}
	if err := mi.processData(m); err != nil {
		return nil, err
	}

	if m.StartFunc != nil {
		if err := mi.runStart(*m.StartFunc); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.modules[name] = mi
	s.mu.Unlock()
	Logger().Debug("module instantiated", zap.String("name", name))
	return mi, nil
}

func (mi *ModuleInstance) resolveImport(m *wasm.Module, imp wasm.Import) (ExportInstance, error) {
	Logger().Debug("resolving import", zap.String("module", imp.Module), zap.String("name", imp.Name))
	src, ok := mi.store.Module(imp.Module)
	if !ok {
		return ExportInstance{}, fmt.Errorf("%w: unresolved module %q for import %q.%q", wasm.ErrImportMismatch, imp.Module, imp.Module, imp.Name)
	}
	exp, ok := src.Export(imp.Name)
	if !ok {
		return ExportInstance{}, fmt.Errorf("%w: unresolved import %q.%q", wasm.ErrImportMismatch, imp.Module, imp.Name)
	}
	if exp.Kind != imp.Type.Kind {
		return ExportInstance{}, fmt.Errorf("%w: import %q.%q kind mismatch: want %s, got %s", wasm.ErrImportMismatch, imp.Module, imp.Name, imp.Type.Kind, exp.Kind)
	}
	return exp, nil
}

func (mi *ModuleInstance) resolveAndBuildFuncs(m *wasm.Module) error {
	for _, imp := range m.Imports {
		if imp.Type.Kind != wasm.ExternKindFunc {
			continue
		}
		exp, err := mi.resolveImport(m, imp)
		if err != nil {
			return err
		}
		want := &m.Types[imp.Type.FuncType]
		if !want.Equals(exp.Func.Type) {
			return fmt.Errorf("%w: import func %q.%q signature mismatch: want %s, got %s", wasm.ErrImportMismatch, imp.Module, imp.Name, want, exp.Func.Type)
		}
		mi.Funcs = append(mi.Funcs, exp.Func)
	}
	for i, typeIdx := range m.FunctionTypeIndexes {
		mi.Funcs = append(mi.Funcs, &FunctionInstance{
			Type:   &m.Types[typeIdx],
			Module: mi,
			Body:   &m.Code[i],
		})
	}
	if m.Names != nil {
		for idx, fn := range mi.Funcs {
			if n, ok := m.Names.FunctionNames[uint32(idx)]; ok {
				fn.Name = n
			}
		}
	}
	return nil
}

func (mi *ModuleInstance) buildTables(m *wasm.Module) error {
	for _, imp := range m.Imports {
		if imp.Type.Kind != wasm.ExternKindTable {
			continue
		}
		exp, err := mi.resolveImport(m, imp)
		if err != nil {
			return err
		}
		if exp.Table.ElemType != imp.Type.TableType.ElemType {
			return fmt.Errorf("%w: import table %q.%q element type mismatch", wasm.ErrImportMismatch, imp.Module, imp.Name)
		}
		if !tableLimitsFit(exp.Table, imp.Type.TableType) {
			return fmt.Errorf("%w: import table %q.%q limits mismatch", wasm.ErrImportMismatch, imp.Module, imp.Name)
		}
		mi.Tables = append(mi.Tables, exp.Table)
	}
	for _, tt := range m.Tables {
		elems := make([]uint64, tt.Limits.Min)
		for i := range elems {
			elems[i] = RefNull
		}
		mi.Tables = append(mi.Tables, &TableInstance{ElemType: tt.ElemType, Elements: elems, Max: tt.Limits.Max})
	}
	return nil
}

func tableLimitsFit(actual *TableInstance, want wasm.TableType) bool {
	if uint32(len(actual.Elements)) < want.Limits.Min {
		return false
	}
	if want.Limits.Max == nil {
		return true
	}
	if actual.Max == nil {
		return false
	}
	return *actual.Max <= *want.Limits.Max
}

func (mi *ModuleInstance) buildMemory(m *wasm.Module) error {
	for _, imp := range m.Imports {
		if imp.Type.Kind != wasm.ExternKindMemory {
			continue
		}
		exp, err := mi.resolveImport(m, imp)
		if err != nil {
			return err
		}
		want := imp.Type.MemoryType.Limits
		if exp.Memory.Pages() < want.Min {
			return fmt.Errorf("%w: import memory %q.%q too small", wasm.ErrImportMismatch, imp.Module, imp.Name)
		}
		if want.Max != nil && (exp.Memory.Max == nil || *exp.Memory.Max > *want.Max) {
			return fmt.Errorf("%w: import memory %q.%q max mismatch", wasm.ErrImportMismatch, imp.Module, imp.Name)
		}
		mi.Memory = exp.Memory
	}
	for _, mt := range m.Memories {
		// Validation caps the combined memory index space at one, so a
		// declared memory never displaces an imported one here.
		if mi.Memory != nil {
			return fmt.Errorf("%w: multiple memories", wasm.ErrUnsupported)
		}
		size := uint64(mt.Limits.Min) * MemoryPageSize
		capacity := size
		if mi.store.MemoryCapacityFromMax && mt.Limits.Max != nil {
			capacity = uint64(*mt.Limits.Max) * MemoryPageSize
		}
		mi.Memory = &MemoryInstance{
			Data: make([]byte, size, capacity),
			Max:  mt.Limits.Max,
		}
	}
	return nil
}

func (mi *ModuleInstance) buildGlobals(m *wasm.Module) error {
	for _, imp := range m.Imports {
		if imp.Type.Kind != wasm.ExternKindGlobal {
			continue
		}
		exp, err := mi.resolveImport(m, imp)
		if err != nil {
			return err
		}
		if exp.Global.Type != imp.Type.GlobalType {
			return fmt.Errorf("%w: import global %q.%q type mismatch", wasm.ErrImportMismatch, imp.Module, imp.Name)
		}
		mi.Globals = append(mi.Globals, exp.Global)
	}
	// A const expr may only reference an already-resolved imported
	// global, which is exactly the prefix of mi.Globals built above.
	for _, seg := range m.Globals {
		v, err := mi.evalConstExpr(seg.Init)
		if err != nil {
			return err
		}
		mi.Globals = append(mi.Globals, &GlobalInstance{Type: seg.Type, Value: v})
	}
	return nil
}

func (mi *ModuleInstance) evalConstExpr(ce *wasm.ConstExpr) (uint64, error) {
	switch ce.Opcode {
	case wasm.OpcodeI32Const:
		return encodeI32(ce.Immediate.(int32)), nil
	case wasm.OpcodeI64Const:
		return encodeI64(ce.Immediate.(int64)), nil
	case wasm.OpcodeF32Const:
		return encodeF32(ce.Immediate.(float32)), nil
	case wasm.OpcodeF64Const:
		return encodeF64(ce.Immediate.(float64)), nil
	case wasm.OpcodeGlobalGet:
		idx := ce.Immediate.(uint32)
		if int(idx) >= len(mi.Globals) {
			return 0, fmt.Errorf("%w: global.get index %d out of range in const expr", wasm.ErrInvalidInitializer, idx)
		}
		return mi.Globals[idx].Value, nil
	case wasm.OpcodeRefNull:
		return RefNull, nil
	case wasm.OpcodeRefFunc:
		idx := ce.Immediate.(uint32)
		return uint64(idx), nil
	default:
		return 0, fmt.Errorf("%w: unsupported const expr opcode %#x", wasm.ErrInvalidInitializer, ce.Opcode)
	}
}

func (mi *ModuleInstance) buildExports(m *wasm.Module) {
	mi.Exports = make(map[string]ExportInstance, len(m.Exports))
	for _, e := range m.Exports {
		switch e.Kind {
		case wasm.ExternKindFunc:
			mi.Exports[e.Name] = ExportInstance{Kind: e.Kind, Func: mi.Funcs[e.Index]}
		case wasm.ExternKindTable:
			mi.Exports[e.Name] = ExportInstance{Kind: e.Kind, Table: mi.Tables[e.Index]}
		case wasm.ExternKindMemory:
			mi.Exports[e.Name] = ExportInstance{Kind: e.Kind, Memory: mi.Memory}
		case wasm.ExternKindGlobal:
			mi.Exports[e.Name] = ExportInstance{Kind: e.Kind, Global: mi.Globals[e.Index]}
		}
	}
}

// processElements copies active element segments into their target table
// and retains every segment's resolved reference list so a later
// table.init can use it and elem.drop can clear it.
func (mi *ModuleInstance) processElements(m *wasm.Module) error {
	mi.elemSegments = make([]*[]uint64, len(m.Elements))
	for i, seg := range m.Elements {
		refs := make([]uint64, seg.Count())
		if len(seg.FuncIndexes) > 0 {
			for j, fi := range seg.FuncIndexes {
				refs[j] = uint64(fi)
			}
		} else {
			for j, ce := range seg.Init {
				v, err := mi.evalConstExpr(ce)
				if err != nil {
					return err
				}
				refs[j] = v
			}
		}
		mi.elemSegments[i] = &refs

		if seg.Mode != wasm.ElementModeActive {
			continue
		}
		off, err := mi.evalConstExpr(seg.Offset)
		if err != nil {
			return err
		}
		offset := decodeU32(off)
		tbl := mi.Tables[seg.TableIndex]
		if uint64(offset)+uint64(len(refs)) > uint64(len(tbl.Elements)) {
			return &Trap{Kind: TrapOutOfBoundsTableAccess, Message: "active element segment out of bounds at instantiation"}
		}
		copy(tbl.Elements[offset:], refs)
		// An active segment's references are dropped after instantiation,
		// per the core spec: it behaves as if elem.drop ran immediately.
		empty := []uint64{}
		mi.elemSegments[i] = &empty
	}
	return nil
}

// processData copies active data segments into their target memory and
// retains passive segments' bytes for memory.init/data.drop; an active
// segment is left empty after its copy.
func (mi *ModuleInstance) processData(m *wasm.Module) error {
	mi.dataSegments = make([]*[]byte, len(m.Data))
	for i, seg := range m.Data {
		b := append([]byte(nil), seg.Init...)
		mi.dataSegments[i] = &b

		if seg.Mode != wasm.DataModeActive {
			continue
		}
		off, err := mi.evalConstExpr(seg.Offset)
		if err != nil {
			return err
		}
		offset := decodeU32(off)
		if uint64(offset)+uint64(len(b)) > uint64(len(mi.Memory.Data)) {
			return &Trap{Kind: TrapOutOfBoundsMemoryAccess, Message: "active data segment out of bounds at instantiation"}
		}
		copy(mi.Memory.Data[offset:], b)
		empty := []byte{}
		mi.dataSegments[i] = &empty
	}
	return nil
}

// InstantiateHostModule registers a module made entirely of host-provided
// functions, keyed by export name, so later-instantiated modules can import
// them by name. Registration is a single batch, so the module's exports
// become visible atomically.
func (s *Store) InstantiateHostModule(name string, funcs map[string]*FunctionInstance) (*ModuleInstance, error) {
	s.mu.Lock()
	if _, exists := s.modules[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: module %q already instantiated", wasm.ErrImportMismatch, name)
	}
	s.mu.Unlock()

	mi := &ModuleInstance{store: s, name: name, Exports: make(map[string]ExportInstance, len(funcs))}
	for fname, fn := range funcs {
		fn.Module = mi
		mi.Funcs = append(mi.Funcs, fn)
		mi.Exports[fname] = ExportInstance{Kind: wasm.ExternKindFunc, Func: fn}
	}

	s.mu.Lock()
	s.modules[name] = mi
	s.mu.Unlock()
	Logger().Debug("host module instantiated", zap.String("name", name), zap.Int("funcs", len(funcs)))
	return mi, nil
}

func (mi *ModuleInstance) runStart(idx uint32) error {
	Logger().Debug("running start function", zap.Uint32("index", idx))
	_, err := Call(mi.Funcs[idx], nil)
	return err
}
