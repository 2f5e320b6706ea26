package tinywasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstuart14/tinywasm/api"
)

// hostCallBin imports env.add(i32, i32) -> i32 and forwards to it.
var hostCallBin = buildModule(
	section(1, vec(funcType([]byte{0x7f, 0x7f}, []byte{0x7f}))),
	section(2, vec(cat(str("env"), str("add"), []byte{0x00, 0x00}))),
	section(3, vec([]byte{0x00})),
	section(7, vec(exportEntry("call", 0x00, 1))),
	section(10, vec(codeBody(nil, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b))),
)

func TestHostModuleBuilder_exportFunction(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime(ctx)

	env, err := r.NewHostModuleBuilder("env").
		ExportFunction("add", func(_ context.Context, _ api.Module, stack []uint64) {
			a := int32(uint32(stack[0]))
			b := int32(uint32(stack[1]))
			stack[2] = api.EncodeI32(a + b)
		}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Instantiate(ctx)
	require.NoError(t, err)

	// The host module's export is directly callable.
	results, err := env.ExportedFunction("add").Call(ctx, api.EncodeI32(1), api.EncodeI32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(3), int32(results[0]))

	// And resolvable as a wasm module's import.
	mod := instantiateBin(t, r, hostCallBin, "app")
	results, err = mod.ExportedFunction("call").Call(ctx, api.EncodeI32(20), api.EncodeI32(22))
	require.NoError(t, err)
	assert.Equal(t, int32(42), int32(results[0]))
}

func TestHostModuleBuilder_exportFunctionReflect(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime(ctx)

	_, err := r.NewHostModuleBuilder("env").
		ExportFunctionReflect("add", func(a, b uint32) uint32 { return a + b }).
		Instantiate(ctx)
	require.NoError(t, err)

	mod := instantiateBin(t, r, hostCallBin, "app")
	results, err := mod.ExportedFunction("call").Call(ctx, api.EncodeI32(2), api.EncodeI32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(5), int32(results[0]))
}

func TestHostModuleBuilder_reflectSignatures(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime(ctx)

	env, err := r.NewHostModuleBuilder("env").
		ExportFunctionReflect("neg", func(v int32) int32 { return -v }).
		ExportFunctionReflect("halve", func(v float64) float64 { return v / 2 }).
		ExportFunctionReflect("mask", func(v uint64) uint64 { return v & 0xff }).
		Instantiate(ctx)
	require.NoError(t, err)

	neg := env.ExportedFunction("neg")
	require.NotNil(t, neg)
	assert.Equal(t, []api.ValueType{api.ValueTypeI32}, neg.ParamTypes())
	results, err := neg.Call(ctx, api.EncodeI32(5))
	require.NoError(t, err)
	assert.Equal(t, api.EncodeI32(-5), results[0], "negative i32 results are zero extended")

	halve := env.ExportedFunction("halve")
	assert.Equal(t, []api.ValueType{api.ValueTypeF64}, halve.ParamTypes())
	results, err = halve.Call(ctx, api.EncodeF64(3))
	require.NoError(t, err)
	assert.Equal(t, 1.5, api.DecodeF64(results[0]))

	results, err = env.ExportedFunction("mask").Call(ctx, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x34), results[0])
}

func TestHostModuleBuilder_errors(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime(ctx)

	_, err := r.NewHostModuleBuilder("env").
		ExportFunctionReflect("bad", 42).
		Instantiate(ctx)
	require.Error(t, err)

	_, err = r.NewHostModuleBuilder("env").
		ExportFunctionReflect("bad", func(string) {}).
		Instantiate(ctx)
	require.Error(t, err)

	// A host module name can only be taken once per runtime.
	_, err = r.NewHostModuleBuilder("dup").Instantiate(ctx)
	require.NoError(t, err)
	_, err = r.NewHostModuleBuilder("dup").Instantiate(ctx)
	require.Error(t, err)
}
