package wasmruntime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstuart14/tinywasm/internal/wasm"
)

func decode(t *testing.T, bin []byte) *wasm.Module {
	t.Helper()
	m, err := wasm.DecodeModule(bin)
	require.NoError(t, err)
	return m
}

// libBin exports an add function, an immutable global holding 7, and a
// one-page memory, for use as an import source.
var libBin = buildModule(
	section(1, vec(funcType([]byte{0x7f, 0x7f}, []byte{0x7f}))),
	section(3, vec([]byte{0x00})),
	section(5, vec([]byte{0x00, 0x01})),
	section(6, vec(cat([]byte{0x7f, 0x00}, []byte{0x41, 0x07, 0x0b}))),
	section(7, vec(
		export("add", 0x00, 0),
		export("seven", 0x03, 0),
		export("mem", 0x02, 0),
	)),
	section(10, vec(body(nil, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b))),
)

func registerLib(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.Instantiate("lib", decode(t, libBin))
	require.NoError(t, err)
}

func TestInstantiate_importedFunction(t *testing.T) {
	appBin := buildModule(
		section(1, vec(funcType([]byte{0x7f, 0x7f}, []byte{0x7f}))),
		section(2, vec(cat(name("lib"), name("add"), []byte{0x00, 0x00}))),
		section(3, vec([]byte{0x00})),
		section(7, vec(export("call", 0x00, 1))),
		section(10, vec(body(nil, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b))),
	)

	s := NewStore()
	registerLib(t, s)
	mi, err := s.Instantiate("app", decode(t, appBin))
	require.NoError(t, err)

	results, err := Call(exported(t, mi, "call"), []uint64{encodeI32(2), encodeI32(3)})
	require.NoError(t, err)
	assert.Equal(t, int32(5), decodeI32(results[0]))
}

func TestInstantiate_importErrors(t *testing.T) {
	importOne := func(module, item string, desc []byte) []byte {
		return buildModule(
			section(1, vec(funcType([]byte{0x7f}, []byte{0x7f}))),
			section(2, vec(cat(name(module), name(item), desc))),
		)
	}

	tests := []struct {
		name string
		bin  []byte
	}{
		{name: "unknown module", bin: importOne("nosuch", "add", []byte{0x00, 0x00})},
		{name: "unknown export", bin: importOne("lib", "nosuch", []byte{0x00, 0x00})},
		{name: "kind mismatch", bin: importOne("lib", "add", []byte{0x03, 0x7f, 0x00})},
		// lib.add is (i32,i32)->i32; the declared type here is (i32)->i32.
		{name: "signature mismatch", bin: importOne("lib", "add", []byte{0x00, 0x00})},
		// lib.seven is immutable i32; a mutable import must not match.
		{name: "global mutability mismatch", bin: importOne("lib", "seven", []byte{0x03, 0x7f, 0x01})},
		// lib.mem has one page and no maximum; min 2 cannot be satisfied.
		{name: "memory min too large", bin: importOne("lib", "mem", []byte{0x02, 0x00, 0x02})},
		// A declared maximum requires the provided memory to carry one.
		{name: "memory max missing", bin: importOne("lib", "mem", []byte{0x02, 0x01, 0x01, 0x02})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore()
			registerLib(t, s)
			_, err := s.Instantiate("app", decode(t, tc.bin))
			require.Error(t, err)
			assert.ErrorIs(t, err, wasm.ErrImportMismatch)
			_, ok := s.Module("app")
			assert.False(t, ok, "failed instantiation must not register")
		})
	}
}

func TestInstantiate_importedGlobalInitializer(t *testing.T) {
	appBin := buildModule(
		section(2, vec(cat(name("lib"), name("seven"), []byte{0x03, 0x7f, 0x00}))),
		section(6, vec(cat([]byte{0x7f, 0x00}, []byte{0x23, 0x00, 0x0b}))), // init: global.get 0
		section(7, vec(export("copy", 0x03, 1))),
	)

	s := NewStore()
	registerLib(t, s)
	mi, err := s.Instantiate("app", decode(t, appBin))
	require.NoError(t, err)

	e, ok := mi.Export("copy")
	require.True(t, ok)
	assert.Equal(t, int32(7), decodeI32(e.Global.Value))
}

func TestInstantiate_duplicateName(t *testing.T) {
	s := NewStore()
	registerLib(t, s)
	_, err := s.Instantiate("lib", decode(t, libBin))
	require.Error(t, err)
	assert.ErrorIs(t, err, wasm.ErrImportMismatch)
}

func TestInstantiate_activeElementOutOfBounds(t *testing.T) {
	// A one-entry table with an active segment at offset 1.
	bin := buildModule(
		section(1, vec(funcType(nil, nil))),
		section(3, vec([]byte{0x00})),
		section(4, vec([]byte{0x70, 0x00, 0x01})),
		section(9, vec(cat([]byte{0x00}, []byte{0x41, 0x01, 0x0b}, vec([]byte{0x00})))),
		section(10, vec(body(nil, 0x0b))),
	)

	s := NewStore()
	_, err := s.Instantiate("m", decode(t, bin))
	requireTrap(t, err, TrapOutOfBoundsTableAccess)
	_, ok := s.Module("m")
	assert.False(t, ok)
}

func TestInstantiate_activeDataOutOfBounds(t *testing.T) {
	bin := buildModule(
		section(5, vec([]byte{0x00, 0x01})),
		section(11, vec(cat([]byte{0x00}, []byte{0x41, 0xff, 0xff, 0x03, 0x0b}, uleb(2), []byte{0x01, 0x02}))),
	)

	s := NewStore()
	_, err := s.Instantiate("m", decode(t, bin))
	requireTrap(t, err, TrapOutOfBoundsMemoryAccess)
	_, ok := s.Module("m")
	assert.False(t, ok)
}

func TestInstantiate_activeDataCopied(t *testing.T) {
	bin := buildModule(
		section(5, vec([]byte{0x00, 0x01})),
		section(7, vec(export("mem", 0x02, 0))),
		section(11, vec(cat([]byte{0x00}, []byte{0x41, 0x03, 0x0b}, uleb(3), []byte{0x0a, 0x0b, 0x0c}))),
	)

	mi, err := NewStore().Instantiate("m", decode(t, bin))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c}, mi.Memory.Data[3:6])
	assert.Equal(t, byte(0), mi.Memory.Data[6])
}

func TestInstantiate_startTrapDiscardsInstance(t *testing.T) {
	bin := buildModule(
		section(1, vec(funcType(nil, nil))),
		section(3, vec([]byte{0x00})),
		section(8, uleb(0)),
		section(10, vec(body(nil, 0x00, 0x0b))), // unreachable
	)

	s := NewStore()
	_, err := s.Instantiate("m", decode(t, bin))
	requireTrap(t, err, TrapUnreachable)
	_, ok := s.Module("m")
	assert.False(t, ok)
}

func TestMemoryInstance_grow(t *testing.T) {
	two := uint32(2)
	m := &MemoryInstance{Data: make([]byte, MemoryPageSize), Max: &two}

	assert.Equal(t, int32(1), m.Grow(1))
	assert.Equal(t, uint32(2), m.Pages())
	assert.Equal(t, int32(-1), m.Grow(1))
	assert.Equal(t, uint32(2), m.Pages())
	assert.Equal(t, int32(2), m.Grow(0))
}

func TestMemoryCapacityFromMax(t *testing.T) {
	bin := buildModule(
		section(5, vec([]byte{0x01, 0x01, 0x03})), // (memory 1 3)
	)

	s := NewStore()
	s.MemoryCapacityFromMax = true
	mi, err := s.Instantiate("m", decode(t, bin))
	require.NoError(t, err)

	// Length (and thus memory.size) still reflects the declared minimum;
	// only the backing capacity is pre-allocated.
	assert.Equal(t, MemoryPageSize, len(mi.Memory.Data))
	assert.Equal(t, 3*MemoryPageSize, cap(mi.Memory.Data))
	assert.Equal(t, uint32(1), mi.Memory.Pages())
}

func TestTableLimitsFit(t *testing.T) {
	four := uint32(4)
	eight := uint32(8)

	tbl := &TableInstance{Elements: make([]uint64, 4), Max: &four}
	assert.True(t, tableLimitsFit(tbl, wasm.TableType{Limits: wasm.Limits{Min: 4, Max: &eight}}))
	assert.True(t, tableLimitsFit(tbl, wasm.TableType{Limits: wasm.Limits{Min: 2}}))
	assert.False(t, tableLimitsFit(tbl, wasm.TableType{Limits: wasm.Limits{Min: 5}}))

	unbounded := &TableInstance{Elements: make([]uint64, 4)}
	assert.False(t, tableLimitsFit(unbounded, wasm.TableType{Limits: wasm.Limits{Min: 4, Max: &eight}}))
}

func TestInstantiateHostModule(t *testing.T) {
	s := NewStore()
	fn := &FunctionInstance{
		Type: &wasm.FuncType{},
		Host: func(_ *CallContext, _ []uint64) ([]uint64, error) { return nil, nil },
	}

	mi, err := s.InstantiateHostModule("env", map[string]*FunctionInstance{"noop": fn})
	require.NoError(t, err)
	e, ok := mi.Export("noop")
	require.True(t, ok)
	assert.Equal(t, wasm.ExternKindFunc, e.Kind)

	_, err = s.InstantiateHostModule("env", nil)
	require.Error(t, err)

	got, ok := s.Module("env")
	require.True(t, ok)
	assert.Same(t, mi, got)
}

func TestFunctionNamesFromNameSection(t *testing.T) {
	// A custom "name" section: module name "demo", function 0 named "main".
	nameSec := cat(
		name("name"),
		[]byte{0x00}, uleb(uint32(len(name("demo")))), name("demo"),
		[]byte{0x01}, uleb(uint32(len(cat(uleb(1), uleb(0), name("main"))))), uleb(1), uleb(0), name("main"),
	)
	bin := buildModule(
		section(0, nameSec),
		section(1, vec(funcType(nil, nil))),
		section(3, vec([]byte{0x00})),
		section(7, vec(export("main", 0x00, 0))),
		section(10, vec(body(nil, 0x0b))),
	)

	mi, err := NewStore().Instantiate("m", decode(t, bin))
	require.NoError(t, err)
	assert.Equal(t, "main", exported(t, mi, "main").Name)
}
