// Package tinywasm implements a WebAssembly 1.0 (20191205) runtime: decode,
// validate, instantiate and execute modules compiled ahead of time from
// any source language to the WebAssembly binary format.
//
// Ex.
//
//	r := tinywasm.NewRuntime(ctx)
//	compiled, _ := r.CompileModule(ctx, wasmBytes)
//	mod, _ := r.InstantiateModule(ctx, compiled, tinywasm.NewModuleConfig())
//	results, _ := mod.ExportedFunction("add").Call(ctx, 2, 3)
package tinywasm

import (
	"context"
	"fmt"

	"github.com/danielstuart14/tinywasm/internal/wasm"
	"github.com/danielstuart14/tinywasm/internal/wasmruntime"
)

// CompiledModule is a module that has been decoded and validated, ready to
// be instantiated (possibly many times) via Runtime.InstantiateModule.
type CompiledModule struct {
	module *wasm.Module
	name   string
}

// Name is the name decoded from the module's custom "name" section, or ""
// if it carries none.
func (c *CompiledModule) Name() string { return c.name }

// ImportedFunctions lists, in module-declared order, the two-level names
// of every function this module imports.
func (c *CompiledModule) ImportedFunctions() []string {
	var out []string
	for _, imp := range c.module.Imports {
		if imp.Type.Kind == wasm.ExternKindFunc {
			out = append(out, imp.Module+"."+imp.Name)
		}
	}
	return out
}

// ExportedFunctions lists, in module-declared order, the names of every
// function this module exports.
func (c *CompiledModule) ExportedFunctions() []string {
	var out []string
	for _, e := range c.module.Exports {
		if e.Kind == wasm.ExternKindFunc {
			out = append(out, e.Name)
		}
	}
	return out
}

// Runtime embeds WebAssembly 1.0 modules. One Runtime owns one Store: a
// module instantiated through it can resolve imports from any other module
// already instantiated through the same Runtime.
type Runtime struct {
	ctx    context.Context
	store  *wasmruntime.Store
	config *RuntimeConfig
}

// NewRuntime returns a Runtime with the default RuntimeConfig.
func NewRuntime(ctx context.Context) *Runtime {
	return NewRuntimeWithConfig(ctx, NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a Runtime with the given configuration.
func NewRuntimeWithConfig(ctx context.Context, config *RuntimeConfig) *Runtime {
	if ctx == nil {
		ctx = context.Background()
	}
	store := wasmruntime.NewStore()
	store.MemoryCapacityFromMax = config.memoryCapacityFromMax
	return &Runtime{ctx: ctx, store: store, config: config}
}

// CompileModule decodes and validates source, the WebAssembly 1.0 binary
// format, returning a CompiledModule ready for repeated instantiation.
func (r *Runtime) CompileModule(ctx context.Context, source []byte) (*CompiledModule, error) {
	m, err := wasm.DecodeModule(source)
	if err != nil {
		return nil, err
	}
	if err := r.checkFeatures(m); err != nil {
		return nil, err
	}
	c := &CompiledModule{module: m}
	if m.Names != nil {
		c.name = m.Names.ModuleName
	}
	return c, nil
}

// checkFeatures rejects modules using a 2.0-era extension the RuntimeConfig
// disabled via WithFeatureSignExtensionOps/WithFeatureMutableGlobal.
func (r *Runtime) checkFeatures(m *wasm.Module) error {
	if !r.config.featureMutableGlobal {
		for _, g := range m.Globals {
			if g.Type.Mutable {
				return fmt.Errorf("%w: mutable globals are disabled", wasm.ErrUnsupported)
			}
		}
	}
	if !r.config.featureSignExtension {
		for _, body := range m.Code {
			for _, in := range body.Code {
				switch in.Opcode {
				case wasm.OpcodeI32Extend8S, wasm.OpcodeI32Extend16S,
					wasm.OpcodeI64Extend8S, wasm.OpcodeI64Extend16S, wasm.OpcodeI64Extend32S:
					return fmt.Errorf("%w: sign-extension ops are disabled", wasm.ErrUnsupported)
				}
			}
		}
	}
	return nil
}

// InstantiateModule instantiates compiled against this Runtime's Store, so
// its imports may resolve against any module already instantiated here.
// The instance is registered under config's name (or the compiled
// module's decoded name, or "" if neither is set) and becomes resolvable
// as an import source for subsequently instantiated modules.
func (r *Runtime) InstantiateModule(ctx context.Context, compiled *CompiledModule, config *ModuleConfig) (Module, error) {
	name := config.name
	if name == "" {
		name = compiled.name
	}

	mi, err := r.store.Instantiate(name, compiled.module)
	if err != nil {
		return nil, err
	}
	return &moduleImpl{mi: mi, maxDepth: int(r.config.callStackDepth)}, nil
}

// Module returns a previously instantiated module's exports, or nil if no
// module was instantiated under that name.
func (r *Runtime) Module(name string) Module {
	mi, ok := r.store.Module(name)
	if !ok {
		return nil
	}
	return &moduleImpl{mi: mi, maxDepth: int(r.config.callStackDepth)}
}
