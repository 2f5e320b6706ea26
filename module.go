package tinywasm

import (
	"context"
	"fmt"

	"github.com/danielstuart14/tinywasm/api"
	"github.com/danielstuart14/tinywasm/internal/wasm"
	"github.com/danielstuart14/tinywasm/internal/wasmruntime"
)

// Module is re-exported for convenience; see api.Module.
type Module = api.Module

// moduleImpl adapts a wasmruntime.ModuleInstance to api.Module.
type moduleImpl struct {
	mi       *wasmruntime.ModuleInstance
	maxDepth int
}

func (m *moduleImpl) String() string { return fmt.Sprintf("Module[%s]", m.mi.Name()) }

func (m *moduleImpl) Name() string { return m.mi.Name() }

func (m *moduleImpl) Memory() api.Memory {
	if m.mi.Memory == nil {
		return nil
	}
	return &memoryImpl{mem: m.mi.Memory}
}

func (m *moduleImpl) ExportedFunction(name string) api.Function {
	e, ok := m.mi.Export(name)
	if !ok || e.Kind != wasm.ExternKindFunc {
		return nil
	}
	return &functionImpl{fn: e.Func, maxDepth: m.maxDepth}
}

func (m *moduleImpl) ExportedMemory(name string) api.Memory {
	e, ok := m.mi.Export(name)
	if !ok || e.Kind != wasm.ExternKindMemory {
		return nil
	}
	return &memoryImpl{mem: e.Memory}
}

func (m *moduleImpl) ExportedGlobal(name string) api.Global {
	e, ok := m.mi.Export(name)
	if !ok || e.Kind != wasm.ExternKindGlobal {
		return nil
	}
	g := &globalImpl{g: e.Global}
	if e.Global.Type.Mutable {
		return &mutableGlobalImpl{globalImpl: g}
	}
	return g
}

// Close is a no-op: tinywasm instances hold no OS resources (no files, no
// sockets) to release. It exists to satisfy api.Closer.
func (m *moduleImpl) Close(ctx context.Context) error { return nil }

// functionImpl adapts a wasmruntime.FunctionInstance to api.Function.
type functionImpl struct {
	fn       *wasmruntime.FunctionInstance
	maxDepth int
}

func (f *functionImpl) ParamTypes() []api.ValueType {
	return valueTypes(f.fn.Type.Params)
}

func (f *functionImpl) ResultTypes() []api.ValueType {
	return valueTypes(f.fn.Type.Results)
}

func (f *functionImpl) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	cctx := wasmruntime.NewCallContext(f.maxDepth)
	return wasmruntime.Invoke(cctx, f.fn, params)
}

func valueTypes(in []wasm.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(in))
	for i, t := range in {
		out[i] = api.ValueType(t)
	}
	return out
}

// memoryImpl adapts a wasmruntime.MemoryInstance to api.Memory.
type memoryImpl struct {
	mem *wasmruntime.MemoryInstance
}

func (m *memoryImpl) Size(context.Context) uint32 {
	return m.mem.Pages() * wasmruntime.MemoryPageSize
}

func (m *memoryImpl) Grow(_ context.Context, deltaPages uint32) (uint32, bool) {
	prev := m.mem.Grow(deltaPages)
	if prev < 0 {
		return 0, false
	}
	return uint32(prev), true
}

func (m *memoryImpl) ReadByte(_ context.Context, offset uint32) (byte, bool) {
	b, ok := m.read(offset, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (m *memoryImpl) ReadUint32Le(_ context.Context, offset uint32) (uint32, bool) {
	b, ok := m.read(offset, 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func (m *memoryImpl) ReadUint64Le(_ context.Context, offset uint32) (uint64, bool) {
	b, ok := m.read(offset, 8)
	if !ok {
		return 0, false
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, true
}

func (m *memoryImpl) Read(_ context.Context, offset, byteCount uint32) ([]byte, bool) {
	return m.read(offset, byteCount)
}

func (m *memoryImpl) read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.mem.Data)) {
		return nil, false
	}
	return m.mem.Data[offset : offset+byteCount], true
}

func (m *memoryImpl) WriteByte(_ context.Context, offset uint32, v byte) bool {
	return m.Write(nil, offset, []byte{v})
}

func (m *memoryImpl) WriteUint32Le(_ context.Context, offset, v uint32) bool {
	return m.Write(nil, offset, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (m *memoryImpl) WriteUint64Le(_ context.Context, offset uint32, v uint64) bool {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return m.Write(nil, offset, b)
}

func (m *memoryImpl) Write(_ context.Context, offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.mem.Data)) {
		return false
	}
	copy(m.mem.Data[offset:], v)
	return true
}

// globalImpl adapts a wasmruntime.GlobalInstance to api.Global.
type globalImpl struct {
	g *wasmruntime.GlobalInstance
}

func (g *globalImpl) String() string { return fmt.Sprintf("Global(%s)", api.ValueTypeName(api.ValueType(g.g.Type.ValType))) }
func (g *globalImpl) Type() api.ValueType { return api.ValueType(g.g.Type.ValType) }
func (g *globalImpl) Get(context.Context) uint64 { return g.g.Value }

// mutableGlobalImpl additionally exposes Set, returned only for globals the
// module declared mutable (api.MutableGlobal type-assertion convention).
type mutableGlobalImpl struct {
	*globalImpl
}

func (g *mutableGlobalImpl) Set(_ context.Context, v uint64) { g.g.Value = v }
