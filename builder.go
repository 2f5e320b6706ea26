package tinywasm

import (
	"context"
	"fmt"
	"reflect"

	"github.com/danielstuart14/tinywasm/api"
	"github.com/danielstuart14/tinywasm/internal/wasm"
	"github.com/danielstuart14/tinywasm/internal/wasmruntime"
)

// HostFunction is the low-level host function signature: it receives a
// context, a module, and the operand stack, with parameters at the bottom
// and results written into the slots that follow them. The context passed
// is always context.Background() and the module is always nil: the
// interpreter does not pass the calling module through to host functions.
// The stack is a plain []uint64 since the interpreter represents every
// value uniformly as a uint64 bit pattern.
type HostFunction func(ctx context.Context, mod api.Module, stack []uint64)

// HostModuleBuilder accumulates host functions under one module name, for
// use as an import source by later CompileModule/InstantiateModule calls.
// Nothing touches the Store until Instantiate is called.
type HostModuleBuilder struct {
	r       *Runtime
	name    string
	funcs   map[string]*wasmruntime.FunctionInstance
	buildEr error
}

// NewHostModuleBuilder starts building a host module exporting functions
// under moduleName, the two-level import name later wasm modules reference.
func (r *Runtime) NewHostModuleBuilder(moduleName string) *HostModuleBuilder {
	return &HostModuleBuilder{r: r, name: moduleName, funcs: map[string]*wasmruntime.FunctionInstance{}}
}

// ExportFunction registers fn under name, in the stack-based low-level
// signature. Param/result value types must be supplied explicitly since a
// []uint64 stack carries no type information.
func (b *HostModuleBuilder) ExportFunction(name string, fn HostFunction, params, results []api.ValueType) *HostModuleBuilder {
	ft := &wasm.FuncType{Params: toWasmTypes(params), Results: toWasmTypes(results)}
	b.funcs[name] = &wasmruntime.FunctionInstance{
		Type: ft,
		Name: b.name + "." + name,
		Host: func(ctx *wasmruntime.CallContext, args []uint64) ([]uint64, error) {
			stack := append([]uint64(nil), args...)
			stack = append(stack, make([]uint64, len(results))...)
			fn(context.Background(), nil, stack)
			return stack[len(args):], nil
		},
	}
	return b
}

// ExportFunctionReflect registers an ordinary typed Go function as a host
// function, a convenience path that infers the WebAssembly signature from
// fn's Go signature. fn's parameter and result types must each be one of
// uint32, int32, uint64, int64, float32, float64.
func (b *HostModuleBuilder) ExportFunctionReflect(name string, fn interface{}) *HostModuleBuilder {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		b.buildEr = fmt.Errorf("%s: not a function", name)
		return b
	}

	params := make([]wasm.ValueType, t.NumIn())
	for i := range params {
		vt, err := reflectValueType(t.In(i))
		if err != nil {
			b.buildEr = fmt.Errorf("%s: parameter %d: %w", name, i, err)
			return b
		}
		params[i] = vt
	}
	results := make([]wasm.ValueType, t.NumOut())
	for i := range results {
		vt, err := reflectValueType(t.Out(i))
		if err != nil {
			b.buildEr = fmt.Errorf("%s: result %d: %w", name, i, err)
			return b
		}
		results[i] = vt
	}

	b.funcs[name] = &wasmruntime.FunctionInstance{
		Type: &wasm.FuncType{Params: params, Results: results},
		Name: b.name + "." + name,
		Host: func(ctx *wasmruntime.CallContext, args []uint64) ([]uint64, error) {
			in := make([]reflect.Value, len(args))
			for i, a := range args {
				in[i] = decodeReflectArg(t.In(i), a)
			}
			out := v.Call(in)
			results := make([]uint64, len(out))
			for i, o := range out {
				results[i] = encodeReflectResult(o)
			}
			return results, nil
		},
	}
	return b
}

func reflectValueType(t reflect.Type) (wasm.ValueType, error) {
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32:
		return wasm.ValueTypeI32, nil
	case reflect.Int64, reflect.Uint64:
		return wasm.ValueTypeI64, nil
	case reflect.Float32:
		return wasm.ValueTypeF32, nil
	case reflect.Float64:
		return wasm.ValueTypeF64, nil
	default:
		return 0, fmt.Errorf("unsupported Go type %s", t)
	}
}

func decodeReflectArg(t reflect.Type, v uint64) reflect.Value {
	switch t.Kind() {
	case reflect.Int32:
		return reflect.ValueOf(int32(v)).Convert(t)
	case reflect.Uint32:
		return reflect.ValueOf(uint32(v)).Convert(t)
	case reflect.Int64:
		return reflect.ValueOf(int64(v)).Convert(t)
	case reflect.Uint64:
		return reflect.ValueOf(v).Convert(t)
	case reflect.Float32:
		return reflect.ValueOf(api.DecodeF32(v)).Convert(t)
	case reflect.Float64:
		return reflect.ValueOf(api.DecodeF64(v)).Convert(t)
	default:
		panic("unsupported Go type " + t.String())
	}
}

func encodeReflectResult(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return api.EncodeI32(int32(v.Int()))
	case reflect.Int64:
		return api.EncodeI64(v.Int())
	case reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	default:
		panic("unsupported Go type " + v.Type().String())
	}
}

func toWasmTypes(in []api.ValueType) []wasm.ValueType {
	out := make([]wasm.ValueType, len(in))
	for i, t := range in {
		out[i] = wasm.ValueType(t)
	}
	return out
}

// Instantiate registers the accumulated functions as a host module in the
// owning Runtime's Store, making them resolvable as imports by modules
// instantiated afterward.
func (b *HostModuleBuilder) Instantiate(ctx context.Context) (Module, error) {
	if b.buildEr != nil {
		return nil, b.buildEr
	}
	mi, err := b.r.store.InstantiateHostModule(b.name, b.funcs)
	if err != nil {
		return nil, err
	}
	return &moduleImpl{mi: mi, maxDepth: int(b.r.config.callStackDepth)}, nil
}
