package wasmruntime

import (
	"go.uber.org/zap"

	"github.com/danielstuart14/tinywasm/internal/wasm"
)

// DefaultMaxCallDepth bounds the depth of a wasm call tree started with
// Call; callers wanting a different bound pass their own CallContext to
// Invoke.
const DefaultMaxCallDepth = 1024

// CallContext threads the call-stack depth bound through a call tree. One
// CallContext is shared by an entire invocation, including every nested
// call/call_indirect, so the bound applies to the whole tree rather than
// per call.
type CallContext struct {
	depth    int
	maxDepth int
}

func NewCallContext(maxDepth int) *CallContext {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCallDepth
	}
	return &CallContext{maxDepth: maxDepth}
}

// Call invokes an exported or host function with the default call-stack
// depth bound, recovering any Trap raised during execution into a regular
// error. The recover in Invoke is the single recovery point for an entire
// call tree.
func Call(fn *FunctionInstance, args []uint64) (results []uint64, err error) {
	return Invoke(NewCallContext(DefaultMaxCallDepth), fn, args)
}

func Invoke(ctx *CallContext, fn *FunctionInstance, args []uint64) (results []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if t, ok := r.(*Trap); ok {
				Logger().Debug("trap", zap.String("func", fn.Name), zap.Stringer("kind", t.Kind), zap.String("message", t.Message))
				err = t
				return
			}
			panic(r)
		}
	}()
	Logger().Debug("invoke", zap.String("func", fn.Name), zap.Int("args", len(args)))
	results, err = invokeFunc(ctx, fn, args)
	Logger().Debug("invoke returned", zap.String("func", fn.Name), zap.Error(err))
	return results, err
}

func invokeFunc(ctx *CallContext, fn *FunctionInstance, args []uint64) ([]uint64, error) {
	if fn.isHost() {
		return fn.Host(ctx, args)
	}

	ctx.depth++
	if ctx.depth > ctx.maxDepth {
		ctx.depth--
		trap(TrapCallStackExhausted, "call stack depth exceeded %d", ctx.maxDepth)
	}
	defer func() { ctx.depth-- }()

	out := execWasmFunc(ctx, fn, args)
	return out, nil
}

// label is a runtime control-flow target: block/loop/if/the implicit
// function frame, tracked in parallel to internal/wasm's ctrlFrame but
// carrying absolute instruction indices and operand stack heights instead
// of type information.
type label struct {
	arity       int
	stackHeight int
	contIndex   int
	isLoop      bool
}

func execWasmFunc(ctx *CallContext, fn *FunctionInstance, args []uint64) []uint64 {
	body := fn.Body
	numParams := len(fn.Type.Params)
	locals := make([]uint64, numParams+int(body.NumLocals))
	copy(locals, args)
	li := numParams
	for _, lt := range body.LocalTypes {
		if lt == wasm.ValueTypeFuncref || lt == wasm.ValueTypeExternref {
			locals[li] = RefNull
		}
		li++
	}

	instrs := body.Code
	stack := make([]uint64, 0, 16)
	labels := make([]label, 1, 8)
	labels[0] = label{arity: len(fn.Type.Results), stackHeight: 0, contIndex: len(instrs), isLoop: false}

	mod := fn.Module
	pc := 0

	push := func(v uint64) { stack = append(stack, v) }
	pop := func() uint64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popN := func(n int) []uint64 {
		v := append([]uint64(nil), stack[len(stack)-n:]...)
		stack = stack[:len(stack)-n]
		return v
	}

	branch := func(labelIdx uint32) {
		target := labels[len(labels)-1-int(labelIdx)]
		vals := popN(target.arity)
		stack = stack[:target.stackHeight]
		stack = append(stack, vals...)
		if target.isLoop {
			labels = labels[:len(labels)-int(labelIdx)]
			pc = target.contIndex + 1
		} else {
			labels = labels[:len(labels)-1-int(labelIdx)]
			pc = target.contIndex
		}
	}

	for pc < len(instrs) {
		in := &instrs[pc]
		switch in.Opcode {
		case wasm.OpcodeUnreachable:
			trap(TrapUnreachable, "unreachable instruction executed")

		case wasm.OpcodeNop:
			pc++

		case wasm.OpcodeBlock:
			labels = append(labels, label{
				arity:       len(in.Block.Results),
				stackHeight: len(stack) - len(in.Block.Params),
				contIndex:   in.EndIndex,
			})
			pc++

		case wasm.OpcodeLoop:
			labels = append(labels, label{
				arity:       len(in.Block.Params),
				stackHeight: len(stack) - len(in.Block.Params),
				contIndex:   in.EndIndex,
				isLoop:      true,
			})
			pc++

		case wasm.OpcodeIf:
			cond := decodeI32(pop())
			labels = append(labels, label{
				arity:       len(in.Block.Results),
				stackHeight: len(stack) - len(in.Block.Params),
				contIndex:   in.EndIndex,
			})
			if cond != 0 {
				pc++
			} else if in.ElseIndex >= 0 {
				pc = in.ElseIndex + 1
			} else {
				labels = labels[:len(labels)-1]
				pc = in.EndIndex
			}

		case wasm.OpcodeElse:
			top := labels[len(labels)-1]
			labels = labels[:len(labels)-1]
			pc = top.contIndex

		case wasm.OpcodeEnd:
			if len(labels) == 1 {
				pc = len(instrs)
			} else {
				labels = labels[:len(labels)-1]
				pc++
			}

		case wasm.OpcodeBr:
			branch(in.LabelIndex)

		case wasm.OpcodeBrIf:
			if decodeI32(pop()) != 0 {
				branch(in.LabelIndex)
			} else {
				pc++
			}

		case wasm.OpcodeBrTable:
			idx := decodeU32(pop())
			if int(idx) < len(in.BrTableTargets) {
				branch(in.BrTableTargets[idx])
			} else {
				branch(in.BrTableDefault)
			}

		case wasm.OpcodeReturn:
			branch(uint32(len(labels) - 1))

		case wasm.OpcodeCall:
			callee := mod.Funcs[in.FuncIndex]
			args := popN(len(callee.Type.Params))
			rets, err := invokeFunc(ctx, callee, args)
			if err != nil {
				panic(err)
			}
			for _, v := range rets {
				push(v)
			}
			pc++

		case wasm.OpcodeCallIndirect:
			tbl := mod.Tables[in.TableIndex]
			i := decodeU32(pop())
			if int(i) >= len(tbl.Elements) {
				trap(TrapOutOfBoundsTableAccess, "call_indirect index %d out of bounds", i)
			}
			ref := tbl.Elements[i]
			if ref == RefNull {
				trap(TrapUninitializedElement, "call_indirect to uninitialized element %d", i)
			}
			callee := mod.Funcs[decodeU32(ref)]
			want := &mod.Types[in.TypeIndex]
			if !want.Equals(callee.Type) {
				trap(TrapIndirectCallTypeMismatch, "call_indirect type mismatch")
			}
			args := popN(len(callee.Type.Params))
			rets, err := invokeFunc(ctx, callee, args)
			if err != nil {
				panic(err)
			}
			for _, v := range rets {
				push(v)
			}
			pc++

		case wasm.OpcodeDrop:
			pop()
			pc++

		case wasm.OpcodeSelect, wasm.OpcodeSelectT:
			c := decodeI32(pop())
			b := pop()
			a := pop()
			if c != 0 {
				push(a)
			} else {
				push(b)
			}
			pc++

		case wasm.OpcodeLocalGet:
			push(locals[in.Index])
			pc++
		case wasm.OpcodeLocalSet:
			locals[in.Index] = pop()
			pc++
		case wasm.OpcodeLocalTee:
			locals[in.Index] = stack[len(stack)-1]
			pc++
		case wasm.OpcodeGlobalGet:
			push(mod.Globals[in.Index].Value)
			pc++
		case wasm.OpcodeGlobalSet:
			mod.Globals[in.Index].Value = pop()
			pc++

		case wasm.OpcodeTableGet:
			tbl := mod.Tables[in.TableIndex]
			i := decodeU32(pop())
			if int(i) >= len(tbl.Elements) {
				trap(TrapOutOfBoundsTableAccess, "table.get index %d out of bounds", i)
			}
			push(tbl.Elements[i])
			pc++
		case wasm.OpcodeTableSet:
			v := pop()
			tbl := mod.Tables[in.TableIndex]
			i := decodeU32(pop())
			if int(i) >= len(tbl.Elements) {
				trap(TrapOutOfBoundsTableAccess, "table.set index %d out of bounds", i)
			}
			tbl.Elements[i] = v
			pc++

		case wasm.OpcodeMemorySize:
			push(encodeI32(int32(mod.Memory.Pages())))
			pc++
		case wasm.OpcodeMemoryGrow:
			delta := decodeU32(pop())
			push(encodeI32(mod.Memory.Grow(delta)))
			pc++

		case wasm.OpcodeI32Const:
			push(encodeI32(in.ImmI32))
			pc++
		case wasm.OpcodeI64Const:
			push(encodeI64(in.ImmI64))
			pc++
		case wasm.OpcodeF32Const:
			push(encodeF32(in.ImmF32))
			pc++
		case wasm.OpcodeF64Const:
			push(encodeF64(in.ImmF64))
			pc++

		case wasm.OpcodeRefNull:
			push(RefNull)
			pc++
		case wasm.OpcodeRefIsNull:
			if pop() == RefNull {
				push(encodeI32(1))
			} else {
				push(encodeI32(0))
			}
			pc++
		case wasm.OpcodeRefFunc:
			push(uint64(in.FuncIndex))
			pc++

		case wasm.OpcodeMiscPrefix:
			execMisc(ctx, mod, in, &stack)
			pc++

		default:
			if isLoadOp(in.Opcode) {
				execLoad(mod.Memory, in, &stack)
			} else if isStoreOp(in.Opcode) {
				execStore(mod.Memory, in, &stack)
			} else {
				execNumeric(in.Opcode, &stack)
			}
			pc++
		}
	}

	results := make([]uint64, len(fn.Type.Results))
	copy(results, stack[len(stack)-len(fn.Type.Results):])
	return results
}

func boundsCheck(mem *MemoryInstance, offset uint64, size uint64) {
	if offset+size > uint64(len(mem.Data)) || offset+size < offset {
		trap(TrapOutOfBoundsMemoryAccess, "memory access at %d+%d out of bounds (size %d)", offset, size, len(mem.Data))
	}
}

func effectiveAddr(in *wasm.Instruction, base uint32) uint64 {
	return uint64(base) + uint64(in.Offset)
}
