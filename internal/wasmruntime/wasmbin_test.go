package wasmruntime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstuart14/tinywasm/internal/wasm"
)

// Helpers to assemble WebAssembly binaries for tests, so each fixture reads
// as its section structure instead of a wall of hand-counted bytes.

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func section(id byte, parts ...[]byte) []byte {
	payload := cat(parts...)
	return cat([]byte{id}, uleb(uint32(len(payload))), payload)
}

// vec prefixes the concatenated items with their count.
func vec(items ...[]byte) []byte {
	return cat(uleb(uint32(len(items))), cat(items...))
}

func buildModule(sections ...[]byte) []byte {
	return cat([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, cat(sections...))
}

func funcType(params, results []byte) []byte {
	return cat([]byte{0x60}, uleb(uint32(len(params))), params, uleb(uint32(len(results))), results)
}

// body encodes one code-section entry. localDecls defaults to "no locals".
func body(localDecls []byte, code ...byte) []byte {
	if localDecls == nil {
		localDecls = []byte{0x00}
	}
	b := cat(localDecls, code)
	return cat(uleb(uint32(len(b))), b)
}

func name(s string) []byte {
	return cat(uleb(uint32(len(s))), []byte(s))
}

func export(n string, kind byte, idx uint32) []byte {
	return cat(name(n), []byte{kind}, uleb(idx))
}

func instantiate(t *testing.T, bin []byte) *ModuleInstance {
	t.Helper()
	m, err := wasm.DecodeModule(bin)
	require.NoError(t, err)
	mi, err := NewStore().Instantiate("test", m)
	require.NoError(t, err)
	return mi
}

func exported(t *testing.T, mi *ModuleInstance, n string) *FunctionInstance {
	t.Helper()
	e, ok := mi.Export(n)
	require.True(t, ok, "export %q not found", n)
	require.Equal(t, wasm.ExternKindFunc, e.Kind)
	return e.Func
}

func requireTrap(t *testing.T, err error, kind TrapKind) {
	t.Helper()
	var tr *Trap
	require.ErrorAs(t, err, &tr)
	assert.Equal(t, kind, tr.Kind, "want trap %s, got %s (%s)", kind, tr.Kind, tr.Message)
}
