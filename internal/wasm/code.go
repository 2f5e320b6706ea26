package wasm

import (
	"bytes"
	"io"
	"math"

	"github.com/danielstuart14/tinywasm/internal/leb128"
)

// valTypeUnknown is the validator's internal placeholder for a value whose
// type cannot be determined because it was pushed in unreachable code
// (the "polymorphic stack" of the WebAssembly validation algorithm).
const valTypeUnknown ValueType = 0xff

// FuncBody is a decoded, validated, control-flow-annotated function body.
type FuncBody struct {
	NumLocals  uint32
	LocalTypes []ValueType // additional locals beyond the function's parameters
	Code       []Instruction
}

// codeEnv is the module-level context a function body's decoder needs:
// everything declared in sections preceding Code under the canonical
// section order.
type codeEnv struct {
	types        []FuncType
	funcTypeIdx  []uint32 // type index for every function in the func index space (imports then module funcs)
	tables       []TableType
	memoryCount  int
	globals      []GlobalType
	elementCount int
}

type ctrlFrame struct {
	opcode      Opcode
	block       *BlockType
	startHeight int
	unreachable bool
	instrIndex  int // index into instrs of the opening instruction, or -1 for the implicit function frame
}

type funcDecoder struct {
	env       *codeEnv
	sig       *FuncType
	locals    []ValueType // params followed by declared locals
	r         *bytes.Reader
	base      int // body offset for error reporting
	instrs    []Instruction
	typeStack []ValueType
	ctrl      []ctrlFrame
}

func decodeFuncBody(body []byte, baseOffset int, sig *FuncType, env *codeEnv) (*FuncBody, error) {
	r := bytes.NewReader(body)

	localGroups, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, malformed(baseOffset, "read local group count: %v", err)
	}

	var localTypes []ValueType
	var total uint64
	for i := uint32(0); i < localGroups; i++ {
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, malformed(baseOffset, "read local group size: %v", err)
		}
		total += uint64(n)
		if total > math.MaxUint32 {
			return nil, malformed(baseOffset, "too many locals")
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, malformed(baseOffset, "read local type: %v", err)
		}
		if !isValidValueType(b) {
			return nil, malformed(baseOffset, "invalid local type %#x", b)
		}
		for j := uint32(0); j < n; j++ {
			localTypes = append(localTypes, ValueType(b))
		}
	}

	fd := &funcDecoder{
		env:    env,
		sig:    sig,
		locals: append(append([]ValueType{}, sig.Params...), localTypes...),
		r:      r,
		base:   baseOffset,
	}
	fd.ctrl = []ctrlFrame{{opcode: 0, block: &BlockType{Results: sig.Results}, startHeight: 0, instrIndex: -1}}

	if err := fd.decode(); err != nil {
		return nil, err
	}

	return &FuncBody{NumLocals: uint32(len(localTypes)), LocalTypes: localTypes, Code: fd.instrs}, nil
}

func (fd *funcDecoder) offset() int { return fd.base + int(fd.r.Size()) - fd.r.Len() }

func (fd *funcDecoder) top() *ctrlFrame { return &fd.ctrl[len(fd.ctrl)-1] }

func (fd *funcDecoder) push(t ValueType) { fd.typeStack = append(fd.typeStack, t) }

func (fd *funcDecoder) pop() (ValueType, error) {
	top := fd.top()
	if len(fd.typeStack) == top.startHeight {
		if top.unreachable {
			return valTypeUnknown, nil
		}
		return 0, invalid(0, "type mismatch: value stack underflow at offset %#x", fd.offset())
	}
	v := fd.typeStack[len(fd.typeStack)-1]
	fd.typeStack = fd.typeStack[:len(fd.typeStack)-1]
	return v, nil
}

func (fd *funcDecoder) popExpect(want ValueType) error {
	v, err := fd.pop()
	if err != nil {
		return err
	}
	if v != valTypeUnknown && v != want {
		return invalid(0, "type mismatch: expected %s, got %s at offset %#x", want, v, fd.offset())
	}
	return nil
}

func (fd *funcDecoder) setUnreachable() {
	top := fd.top()
	top.unreachable = true
	fd.typeStack = fd.typeStack[:top.startHeight]
}

func (fd *funcDecoder) localType(idx uint32) (ValueType, error) {
	if int(idx) >= len(fd.locals) {
		return 0, invalid(0, "unknown local %d", idx)
	}
	return fd.locals[idx], nil
}

func (fd *funcDecoder) globalType(idx uint32) (*GlobalType, error) {
	if int(idx) >= len(fd.env.globals) {
		return nil, invalid(0, "unknown global %d", idx)
	}
	return &fd.env.globals[idx], nil
}

func (fd *funcDecoder) funcType(idx uint32) (*FuncType, error) {
	if int(idx) >= len(fd.env.funcTypeIdx) {
		return nil, invalid(0, "unknown function %d", idx)
	}
	return &fd.env.types[fd.env.funcTypeIdx[idx]], nil
}

func (fd *funcDecoder) requireMemory() error {
	if fd.env.memoryCount == 0 {
		return invalid(0, "memory instruction without a declared memory")
	}
	return nil
}

func (fd *funcDecoder) requireTable(idx uint32) error {
	if int(idx) >= len(fd.env.tables) {
		return invalid(0, "unknown table %d", idx)
	}
	return nil
}

func (fd *funcDecoder) tableElemType(idx uint32) ValueType {
	return fd.env.tables[idx].ElemType
}

// readBlockType decodes the LEB128 s33 block-type immediate: a negative
// single-byte encoding of void or one value type, or a non-negative type
// index into the module's type section.
func (fd *funcDecoder) readBlockType() (*BlockType, error) {
	v, _, err := leb128.DecodeInt33AsInt64(fd.r)
	if err != nil {
		return nil, malformed(fd.offset(), "read block type: %v", err)
	}
	if v == -64 { // 0x40, void
		return &BlockType{}, nil
	}
	if v < 0 {
		vt := ValueType(byte(v & 0x7f))
		if !isValidValueType(byte(vt)) {
			return nil, malformed(fd.offset(), "invalid inline block result type %#x", vt)
		}
		return &BlockType{Results: []ValueType{vt}}, nil
	}
	if v >= int64(len(fd.env.types)) {
		return nil, invalid(0, "unknown block type index %d", v)
	}
	ft := fd.env.types[v]
	return &BlockType{Params: ft.Params, Results: ft.Results}, nil
}

func (fd *funcDecoder) decode() error {
	for {
		opByte, err := fd.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return invalid(0, "function body missing end opcode")
			}
			return malformed(fd.offset(), "read opcode: %v", err)
		}
		op := Opcode(opByte)
		instr := Instruction{Opcode: op, ElseIndex: noBlockTarget, EndIndex: noBlockTarget}
		idx := len(fd.instrs)

		if err := fd.decodeOne(op, &instr, idx); err != nil {
			return err
		}

		fd.instrs = append(fd.instrs, instr)

		if op == OpcodeEnd && len(fd.ctrl) == 0 {
			return nil // closed the implicit function frame: body complete
		}
	}
}

func (fd *funcDecoder) decodeOne(op Opcode, instr *Instruction, idx int) error {
	switch op {
	case OpcodeUnreachable:
		fd.setUnreachable()
	case OpcodeNop:
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		bt, err := fd.readBlockType()
		if err != nil {
			return err
		}
		if op == OpcodeIf {
			if err := fd.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		for i := len(bt.Params) - 1; i >= 0; i-- {
			if err := fd.popExpect(bt.Params[i]); err != nil {
				return err
			}
		}
		instr.Block = bt
		fd.ctrl = append(fd.ctrl, ctrlFrame{opcode: op, block: bt, startHeight: len(fd.typeStack), instrIndex: idx})
		for _, p := range bt.Params {
			fd.push(p)
		}
	case OpcodeElse:
		frame := fd.top()
		if frame.opcode != OpcodeIf {
			return invalid(0, "else without matching if")
		}
		if err := fd.checkBlockResults(frame); err != nil {
			return err
		}
		fd.instrs[frame.instrIndex].ElseIndex = idx
		// Reopen the operand stack for the else arm with the if's params.
		fd.typeStack = fd.typeStack[:frame.startHeight]
		frame.unreachable = false
		for _, p := range frame.block.Params {
			fd.push(p)
		}
	case OpcodeEnd:
		frame := fd.top()
		if err := fd.checkBlockResults(frame); err != nil {
			return err
		}
		if frame.opcode == OpcodeIf && frame.instrIndex >= 0 && fd.instrs[frame.instrIndex].ElseIndex == noBlockTarget {
			// An if with no else keeps ElseIndex at -1: the interpreter's
			// false path then pops the block label and resumes at EndIndex.
			if !sameValueTypes(frame.block.Params, frame.block.Results) {
				return invalid(0, "if without else must have matching param/result types")
			}
		}
		fd.typeStack = fd.typeStack[:frame.startHeight]
		for _, res := range frame.block.Results {
			fd.push(res)
		}
		if frame.instrIndex >= 0 {
			if frame.opcode == OpcodeLoop {
				fd.instrs[frame.instrIndex].EndIndex = frame.instrIndex
			} else {
				fd.instrs[frame.instrIndex].EndIndex = idx + 1
			}
		}
		fd.ctrl = fd.ctrl[:len(fd.ctrl)-1]
	case OpcodeBr:
		lbl, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read br label: %v", err)
		}
		if err := fd.checkLabel(lbl); err != nil {
			return err
		}
		instr.LabelIndex = lbl
		fd.setUnreachable()
	case OpcodeBrIf:
		lbl, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read br_if label: %v", err)
		}
		if err := fd.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := fd.checkLabel(lbl); err != nil {
			return err
		}
		instr.LabelIndex = lbl
	case OpcodeBrTable:
		n, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read br_table count: %v", err)
		}
		targets := make([]uint32, n)
		for i := range targets {
			targets[i], _, err = leb128.DecodeUint32(fd.r)
			if err != nil {
				return malformed(fd.offset(), "read br_table target: %v", err)
			}
		}
		def, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read br_table default: %v", err)
		}
		if err := fd.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := fd.checkLabel(def); err != nil {
			return err
		}
		for _, l := range targets {
			if err := fd.checkLabel(l); err != nil {
				return err
			}
		}
		instr.BrTableTargets = targets
		instr.BrTableDefault = def
		fd.setUnreachable()
	case OpcodeReturn:
		for i := len(fd.sig.Results) - 1; i >= 0; i-- {
			if err := fd.popExpect(fd.sig.Results[i]); err != nil {
				return err
			}
		}
		fd.setUnreachable()
	case OpcodeCall:
		fidx, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read call index: %v", err)
		}
		ft, err := fd.funcType(fidx)
		if err != nil {
			return err
		}
		if err := fd.applySignature(ft); err != nil {
			return err
		}
		instr.FuncIndex = fidx
	case OpcodeCallIndirect:
		tidx, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read call_indirect type: %v", err)
		}
		tableIdx, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read call_indirect table: %v", err)
		}
		if err := fd.requireTable(tableIdx); err != nil {
			return err
		}
		if int(tidx) >= len(fd.env.types) {
			return invalid(0, "unknown type %d", tidx)
		}
		if err := fd.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := fd.applySignature(&fd.env.types[tidx]); err != nil {
			return err
		}
		instr.TypeIndex = tidx
		instr.TableIndex = tableIdx
	case OpcodeDrop:
		if _, err := fd.pop(); err != nil {
			return err
		}
	case OpcodeSelect:
		if err := fd.popExpect(ValueTypeI32); err != nil {
			return err
		}
		b, err := fd.pop()
		if err != nil {
			return err
		}
		a, err := fd.pop()
		if err != nil {
			return err
		}
		if a != valTypeUnknown && b != valTypeUnknown && a != b {
			return invalid(0, "type mismatch: select operands of different types (%s, %s)", a, b)
		}
		result := a
		if result == valTypeUnknown {
			result = b
		}
		if result != valTypeUnknown && !result.IsNumeric() {
			return invalid(0, "select without explicit type requires numeric operands, got %s", result)
		}
		fd.push(result)
	case OpcodeSelectT:
		n, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read select type count: %v", err)
		}
		if n != 1 {
			return invalid(0, "select with explicit types supports exactly one result type")
		}
		tb, err := fd.r.ReadByte()
		if err != nil {
			return malformed(fd.offset(), "read select type: %v", err)
		}
		if !isValidValueType(tb) {
			return invalid(0, "invalid select type %#x", tb)
		}
		vt := ValueType(tb)
		if err := fd.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := fd.popExpect(vt); err != nil {
			return err
		}
		if err := fd.popExpect(vt); err != nil {
			return err
		}
		fd.push(vt)
		instr.SelectTypes = []ValueType{vt}
	case OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee:
		lidx, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read local index: %v", err)
		}
		lt, err := fd.localType(lidx)
		if err != nil {
			return err
		}
		switch op {
		case OpcodeLocalGet:
			fd.push(lt)
		case OpcodeLocalSet:
			if err := fd.popExpect(lt); err != nil {
				return err
			}
		case OpcodeLocalTee:
			if err := fd.popExpect(lt); err != nil {
				return err
			}
			fd.push(lt)
		}
		instr.Index = lidx
	case OpcodeGlobalGet, OpcodeGlobalSet:
		gidx, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read global index: %v", err)
		}
		gt, err := fd.globalType(gidx)
		if err != nil {
			return err
		}
		if op == OpcodeGlobalGet {
			fd.push(gt.ValType)
		} else {
			if !gt.Mutable {
				return invalid(0, "global.set on immutable global %d", gidx)
			}
			if err := fd.popExpect(gt.ValType); err != nil {
				return err
			}
		}
		instr.Index = gidx
	case OpcodeTableGet, OpcodeTableSet:
		tidx, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read table index: %v", err)
		}
		if err := fd.requireTable(tidx); err != nil {
			return err
		}
		elem := fd.tableElemType(tidx)
		if op == OpcodeTableGet {
			if err := fd.popExpect(ValueTypeI32); err != nil {
				return err
			}
			fd.push(elem)
		} else {
			if err := fd.popExpect(elem); err != nil {
				return err
			}
			if err := fd.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		instr.TableIndex = tidx
	case OpcodeMemorySize, OpcodeMemoryGrow:
		if err := fd.requireMemory(); err != nil {
			return err
		}
		if _, err := fd.r.ReadByte(); err != nil { // reserved byte, must be 0x00
			return malformed(fd.offset(), "read memory reserved byte: %v", err)
		}
		if op == OpcodeMemoryGrow {
			if err := fd.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		fd.push(ValueTypeI32)
	case OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read i32.const: %v", err)
		}
		instr.ImmI32 = v
		fd.push(ValueTypeI32)
	case OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read i64.const: %v", err)
		}
		instr.ImmI64 = v
		fd.push(ValueTypeI64)
	case OpcodeF32Const:
		var buf [4]byte
		if _, err := io.ReadFull(fd.r, buf[:]); err != nil {
			return malformed(fd.offset(), "read f32.const: %v", err)
		}
		instr.ImmF32 = math.Float32frombits(leUint32(buf[:]))
		fd.push(ValueTypeF32)
	case OpcodeF64Const:
		var buf [8]byte
		if _, err := io.ReadFull(fd.r, buf[:]); err != nil {
			return malformed(fd.offset(), "read f64.const: %v", err)
		}
		instr.ImmF64 = math.Float64frombits(leUint64(buf[:]))
		fd.push(ValueTypeF64)
	case OpcodeRefNull:
		b, err := fd.r.ReadByte()
		if err != nil {
			return malformed(fd.offset(), "read ref.null type: %v", err)
		}
		if !isValidValueType(b) || !ValueType(b).IsReference() {
			return invalid(0, "invalid ref.null type %#x", b)
		}
		instr.RefType = ValueType(b)
		fd.push(ValueType(b))
	case OpcodeRefIsNull:
		v, err := fd.pop()
		if err != nil {
			return err
		}
		if v != valTypeUnknown && !v.IsReference() {
			return invalid(0, "ref.is_null on non-reference type %s", v)
		}
		fd.push(ValueTypeI32)
	case OpcodeRefFunc:
		fidx, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read ref.func index: %v", err)
		}
		if _, err := fd.funcType(fidx); err != nil {
			return err
		}
		instr.FuncIndex = fidx
		fd.push(ValueTypeFuncref)
	case OpcodeMiscPrefix:
		misc, _, err := leb128.DecodeUint32(fd.r)
		if err != nil {
			return malformed(fd.offset(), "read misc opcode: %v", err)
		}
		instr.Misc = Opcode(misc)
		return fd.decodeMisc(Opcode(misc), instr)
	default:
		if err := fd.decodeNumeric(op); err != nil {
			return err
		}
		if isLoadOrStore(op) {
			align, _, err := leb128.DecodeUint32(fd.r)
			if err != nil {
				return malformed(fd.offset(), "read memarg align: %v", err)
			}
			off, _, err := leb128.DecodeUint32(fd.r)
			if err != nil {
				return malformed(fd.offset(), "read memarg offset: %v", err)
			}
			instr.Align, instr.Offset = align, off
		}
	}
	return nil
}

// checkBlockResults validates that the value stack at an else/end boundary
// matches the block's declared result types exactly.
func (fd *funcDecoder) checkBlockResults(frame *ctrlFrame) error {
	for i := len(frame.block.Results) - 1; i >= 0; i-- {
		if err := fd.popExpect(frame.block.Results[i]); err != nil {
			return err
		}
	}
	if len(fd.typeStack) != frame.startHeight && !frame.unreachable {
		return invalid(0, "type mismatch: extra values on stack at block exit")
	}
	return nil
}

func (fd *funcDecoder) checkLabel(lbl uint32) error {
	if int(lbl) >= len(fd.ctrl) {
		return invalid(0, "unknown label %d", lbl)
	}
	frame := &fd.ctrl[len(fd.ctrl)-1-int(lbl)]
	var want []ValueType
	if frame.opcode == OpcodeLoop {
		want = frame.block.Params
	} else {
		want = frame.block.Results
	}
	// Check (without mutating) that the top of stack matches want, honoring
	// the polymorphic-stack rule when the current frame is unreachable.
	top := fd.top()
	avail := len(fd.typeStack) - top.startHeight
	if !top.unreachable && avail < len(want) {
		return invalid(0, "type mismatch: not enough values for branch to label %d", lbl)
	}
	// Compare from the top of the stack downward: if fewer than len(want)
	// values are actually available (only possible when top.unreachable),
	// the missing bottom entries are polymorphic and match anything.
	checkN := len(want)
	if avail < checkN {
		checkN = avail
	}
	for j := 0; j < checkN; j++ {
		want := want[len(want)-checkN+j]
		got := fd.typeStack[len(fd.typeStack)-checkN+j]
		if got != want {
			return invalid(0, "type mismatch: branch to label %d expects %s, got %s", lbl, want, got)
		}
	}
	return nil
}

func (fd *funcDecoder) applySignature(ft *FuncType) error {
	for i := len(ft.Params) - 1; i >= 0; i-- {
		if err := fd.popExpect(ft.Params[i]); err != nil {
			return err
		}
	}
	for _, r := range ft.Results {
		fd.push(r)
	}
	return nil
}

func isLoadOrStore(op Opcode) bool {
	return op >= OpcodeI32Load && op <= OpcodeI64Store32
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
