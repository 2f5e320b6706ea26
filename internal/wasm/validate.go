package wasm

import (
	"fmt"
	"unicode/utf8"
)

// validateModule performs the cross-section checks that can only run once
// every section has been decoded: index bounds that point forward (start
// function, element/data segment targets, bulk-memory segment references
// inside function bodies) and UTF-8 validity of import and export names.
func validateModule(m *Module) error {
	for _, imp := range m.Imports {
		if !utf8.ValidString(imp.Module) || !utf8.ValidString(imp.Name) {
			return fmt.Errorf("%w: import name is not valid UTF-8", ErrInvalidUTF8)
		}
	}
	for _, exp := range m.Exports {
		if !utf8.ValidString(exp.Name) {
			return fmt.Errorf("%w: export name is not valid UTF-8", ErrInvalidUTF8)
		}
	}

	funcTypes := m.FuncTypeIndexSpace()
	tables := m.TableIndexSpace()
	memories := m.MemoryIndexSpace()
	globals := m.GlobalIndexSpace()

	// A constant expression's global.get may only name an imported global:
	// module-defined globals are not yet initialized at the point any
	// constant expression in the module runs.
	var importedGlobals []GlobalType
	for _, imp := range m.Imports {
		if imp.Type.Kind == ExternKindGlobal {
			importedGlobals = append(importedGlobals, imp.Type.GlobalType)
		}
	}

	for i, t := range tables {
		if t.Limits.Max != nil && *t.Limits.Max < t.Limits.Min {
			return invalid(i, "table size minimum %d exceeds maximum %d", t.Limits.Min, *t.Limits.Max)
		}
	}
	// The combined memory index space (imports plus declarations) is capped
	// at one: a module importing a memory may not also declare its own.
	if len(memories) > 1 {
		return fmt.Errorf("%w: multiple memories", ErrUnsupported)
	}
	for i, mem := range memories {
		if mem.Limits.Min > MemoryMaxPages {
			return invalid(i, "memory size minimum %d exceeds %d pages", mem.Limits.Min, MemoryMaxPages)
		}
		if mem.Limits.Max != nil {
			if *mem.Limits.Max > MemoryMaxPages {
				return invalid(i, "memory size maximum %d exceeds %d pages", *mem.Limits.Max, MemoryMaxPages)
			}
			if *mem.Limits.Max < mem.Limits.Min {
				return invalid(i, "memory size minimum %d exceeds maximum %d", mem.Limits.Min, *mem.Limits.Max)
			}
		}
	}

	if m.StartFunc != nil {
		idx := *m.StartFunc
		if int(idx) >= len(funcTypes) {
			return invalid(int(idx), "start function %d does not exist", idx)
		}
		ft := m.Types[funcTypes[idx]]
		if len(ft.Params) != 0 || len(ft.Results) != 0 {
			return invalid(int(idx), "start function must have type [] -> []")
		}
	}

	for _, exp := range m.Exports {
		var n int
		switch exp.Kind {
		case ExternKindFunc:
			n = len(funcTypes)
		case ExternKindTable:
			n = len(tables)
		case ExternKindMemory:
			n = len(memories)
		case ExternKindGlobal:
			n = len(globals)
		default:
			return invalid(0, "export %q has invalid kind %d", exp.Name, exp.Kind)
		}
		if int(exp.Index) >= n {
			return invalid(int(exp.Index), "export %q references out-of-range %s %d", exp.Name, exp.Kind, exp.Index)
		}
	}

	for i, g := range m.Globals {
		if err := validateConstExprType(g.Init, g.Type.ValType, importedGlobals, i); err != nil {
			return err
		}
	}

	for i, el := range m.Elements {
		if el.Mode == ElementModeActive {
			if int(el.TableIndex) >= len(tables) {
				return invalid(i, "element segment references out-of-range table %d", el.TableIndex)
			}
			if err := validateConstExprType(el.Offset, ValueTypeI32, importedGlobals, i); err != nil {
				return err
			}
			if tables[el.TableIndex].ElemType != el.RefType {
				return invalid(i, "element segment type %s does not match table element type %s", el.RefType, tables[el.TableIndex].ElemType)
			}
		}
		for _, fidx := range el.FuncIndexes {
			if int(fidx) >= len(funcTypes) {
				return invalid(i, "element segment references out-of-range function %d", fidx)
			}
		}
	}

	for i, d := range m.Data {
		if d.Mode == DataModeActive {
			if int(d.MemoryIndex) >= len(memories) {
				return invalid(i, "data segment references out-of-range memory %d", d.MemoryIndex)
			}
			if err := validateConstExprType(d.Offset, ValueTypeI32, importedGlobals, i); err != nil {
				return err
			}
		}
	}

	for fi, body := range m.Code {
		for _, instr := range body.Code {
			if instr.Opcode != OpcodeMiscPrefix {
				continue
			}
			switch instr.Misc {
			case MiscMemoryInit, MiscDataDrop:
				if int(instr.SegmentIndex) >= len(m.Data) {
					return invalid(fi, "memory.init/data.drop references out-of-range data segment %d", instr.SegmentIndex)
				}
			case MiscTableInit, MiscElemDrop:
				if int(instr.SegmentIndex) >= len(m.Elements) {
					return invalid(fi, "table.init/elem.drop references out-of-range element segment %d", instr.SegmentIndex)
				}
			}
		}
	}

	return nil
}

// validateConstExprType checks that a constant expression's opcode is legal
// and that it produces a value of the expected type.
func validateConstExprType(ce *ConstExpr, want ValueType, globals []GlobalType, segIdx int) error {
	switch ce.Opcode {
	case OpcodeI32Const:
		if want != ValueTypeI32 {
			return invalid(segIdx, "constant expression type mismatch: expected %s, got i32", want)
		}
	case OpcodeI64Const:
		if want != ValueTypeI64 {
			return invalid(segIdx, "constant expression type mismatch: expected %s, got i64", want)
		}
	case OpcodeF32Const:
		if want != ValueTypeF32 {
			return invalid(segIdx, "constant expression type mismatch: expected %s, got f32", want)
		}
	case OpcodeF64Const:
		if want != ValueTypeF64 {
			return invalid(segIdx, "constant expression type mismatch: expected %s, got f64", want)
		}
	case OpcodeRefNull:
		rt := ce.Immediate.(ValueType)
		if want != rt {
			return invalid(segIdx, "constant expression type mismatch: expected %s, got %s", want, rt)
		}
	case OpcodeRefFunc:
		if want != ValueTypeFuncref {
			return invalid(segIdx, "constant expression type mismatch: expected %s, got funcref", want)
		}
	case OpcodeGlobalGet:
		idx := ce.Immediate.(uint32)
		if int(idx) >= len(globals) {
			return invalid(segIdx, "constant expression references unknown global %d", idx)
		}
		if globals[idx].Mutable {
			return invalid(segIdx, "constant expression references mutable global %d", idx)
		}
		if globals[idx].ValType != want {
			return invalid(segIdx, "constant expression type mismatch: expected %s, got %s", want, globals[idx].ValType)
		}
	default:
		return invalid(segIdx, "opcode %#x not allowed in constant expression", byte(ce.Opcode))
	}
	return nil
}
