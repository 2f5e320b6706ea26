package tinywasm

import "github.com/danielstuart14/tinywasm/internal/wasmruntime"

// RuntimeConfig controls Runtime behavior, built with the functional
// options below. NewRuntimeConfig matches the defaults a plain NewRuntime
// would use, and every With* method returns a copy, so one config value
// can safely seed several variants.
type RuntimeConfig struct {
	callStackDepth        uint32
	memoryCapacityFromMax bool
	featureSignExtension  bool
	featureMutableGlobal  bool
}

// NewRuntimeConfig returns the default configuration.
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		callStackDepth:       wasmruntime.DefaultMaxCallDepth,
		featureSignExtension: true,
		featureMutableGlobal: true,
	}
}

func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithCallStackDepth overrides the default call-stack depth limit of 1024
// frames. A call tree exceeding this depth traps with
// TrapCallStackExhausted instead of growing indefinitely.
func (c *RuntimeConfig) WithCallStackDepth(n uint32) *RuntimeConfig {
	ret := c.clone()
	ret.callStackDepth = n
	return ret
}

// WithMemoryCapacityFromMax, when true, pre-allocates a memory's backing
// buffer to its declared maximum instead of growing incrementally on
// memory.grow. This trades memory for avoiding repeated reallocation; the
// memory's observable size is unaffected.
func (c *RuntimeConfig) WithMemoryCapacityFromMax(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.memoryCapacityFromMax = enabled
	return ret
}

// WithCloseOnContextDone is accepted for API compatibility only. TinyWasm
// has no asynchronous interrupt model (execution is single-threaded and
// cooperative), so no code path reads this value.
func (c *RuntimeConfig) WithCloseOnContextDone(bool) *RuntimeConfig {
	return c.clone()
}

// WithFeatureSignExtensionOps toggles acceptance of the sign-extension
// opcodes (i32.extend8_s and friends). Defaults to true; set false to
// reject modules using them, for strict WebAssembly 1.0 conformance
// testing.
func (c *RuntimeConfig) WithFeatureSignExtensionOps(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.featureSignExtension = enabled
	return ret
}

// WithFeatureMutableGlobal toggles acceptance of mutable globals. Defaults
// to true; set false to reject modules declaring one, for strict
// WebAssembly 1.0 conformance testing.
func (c *RuntimeConfig) WithFeatureMutableGlobal(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.featureMutableGlobal = enabled
	return ret
}

// ModuleConfig configures a single instantiation: its name within the
// Runtime's Store and, in the future, any module-scoped resources.
// Imports are supplied entirely by pre-registered host modules; there is
// no stdio/fs/env plumbing.
type ModuleConfig struct {
	name string
}

// NewModuleConfig returns a ModuleConfig with no name set; InstantiateModule
// then uses the module's decoded name, or "" if it has none.
func NewModuleConfig() *ModuleConfig {
	return &ModuleConfig{}
}

// WithName configures the module's instantiation name. Defaults to the
// name decoded from the module's custom "name" section, or "" if absent.
func (c *ModuleConfig) WithName(name string) *ModuleConfig {
	ret := &ModuleConfig{name: name}
	return ret
}
