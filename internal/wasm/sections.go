package wasm

import (
	"bytes"
	"fmt"
	"io"

	"github.com/danielstuart14/tinywasm/internal/leb128"
)

func readU32(r *bytes.Reader, offsetBase int, what string) (uint32, error) {
	v, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return 0, malformed(offsetBase, "read %s: %v", what, err)
	}
	return v, nil
}

func readName(r *bytes.Reader, offsetBase int) (string, error) {
	n, err := readU32(r, offsetBase, "name length")
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", malformed(offsetBase, "read name: %v", err)
	}
	// UTF-8 validity is checked later, in validateModule, for import and
	// export names only; custom section names and the entries of the name
	// section are not checked.
	return string(buf), nil
}

func readValueType(r *bytes.Reader, offsetBase int) (ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, malformed(offsetBase, "read value type: %v", err)
	}
	if !isValidValueType(b) {
		return 0, malformed(offsetBase, "invalid value type %#x", b)
	}
	return ValueType(b), nil
}

func readLimits(r *bytes.Reader, offsetBase int) (Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return Limits{}, malformed(offsetBase, "read limits flag: %v", err)
	}
	if flag == 0x04 || flag == 0x05 {
		return Limits{}, fmt.Errorf("%w: 64-bit limits", ErrUnsupported)
	}
	min, err := readU32(r, offsetBase, "limits min")
	if err != nil {
		return Limits{}, err
	}
	l := Limits{Min: min}
	switch flag {
	case 0x00:
	case 0x01:
		max, err := readU32(r, offsetBase, "limits max")
		if err != nil {
			return Limits{}, err
		}
		l.Max = &max
	default:
		return Limits{}, malformed(offsetBase, "invalid limits flag %#x", flag)
	}
	return l, nil
}

func decodeCustomSection(r *bytes.Reader, offsetBase int) (*CustomSection, error) {
	name, err := readName(r, offsetBase)
	if err != nil {
		return nil, err
	}
	data := make([]byte, r.Len())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, malformed(offsetBase, "read custom section data: %v", err)
	}
	return &CustomSection{Name: name, Data: data}, nil
}

func decodeFuncType(r *bytes.Reader, offsetBase int) (FuncType, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return FuncType{}, malformed(offsetBase, "read functype tag: %v", err)
	}
	if tag != 0x60 {
		return FuncType{}, malformed(offsetBase, "invalid functype tag %#x", tag)
	}
	params, err := readValueTypeVec(r, offsetBase)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValueTypeVec(r, offsetBase)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func readValueTypeVec(r *bytes.Reader, offsetBase int) ([]ValueType, error) {
	n, err := readU32(r, offsetBase, "vector length")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]ValueType, n)
	for i := range out {
		out[i], err = readValueType(r, offsetBase)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeTypeSection(r *bytes.Reader, offsetBase int) ([]FuncType, error) {
	n, err := readU32(r, offsetBase, "type count")
	if err != nil {
		return nil, err
	}
	out := make([]FuncType, n)
	for i := range out {
		out[i], err = decodeFuncType(r, offsetBase)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeImportSection(r *bytes.Reader, offsetBase int) ([]Import, error) {
	n, err := readU32(r, offsetBase, "import count")
	if err != nil {
		return nil, err
	}
	out := make([]Import, n)
	for i := range out {
		mod, err := readName(r, offsetBase)
		if err != nil {
			return nil, err
		}
		name, err := readName(r, offsetBase)
		if err != nil {
			return nil, err
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, malformed(offsetBase, "read import kind: %v", err)
		}
		var et ExternType
		et.Kind = ExternKind(kindByte)
		switch et.Kind {
		case ExternKindFunc:
			et.FuncType, err = readU32(r, offsetBase, "import func type index")
		case ExternKindTable:
			var elem ValueType
			elem, err = readValueType(r, offsetBase)
			if err == nil {
				var lim Limits
				lim, err = readLimits(r, offsetBase)
				et.TableType = TableType{ElemType: elem, Limits: lim}
			}
		case ExternKindMemory:
			var lim Limits
			lim, err = readLimits(r, offsetBase)
			et.MemoryType = MemoryType{Limits: lim}
		case ExternKindGlobal:
			var vt ValueType
			vt, err = readValueType(r, offsetBase)
			if err == nil {
				var mutByte byte
				mutByte, err = r.ReadByte()
				et.GlobalType = GlobalType{ValType: vt, Mutable: mutByte == 0x01}
			}
		default:
			return nil, malformed(offsetBase, "invalid import kind %#x", kindByte)
		}
		if err != nil {
			return nil, err
		}
		out[i] = Import{Module: mod, Name: name, Type: et}
	}
	return out, nil
}

func decodeFunctionSection(r *bytes.Reader, offsetBase int, m *Module) ([]uint32, error) {
	n, err := readU32(r, offsetBase, "function count")
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i], err = readU32(r, offsetBase, "function type index")
		if err != nil {
			return nil, err
		}
		if int(out[i]) >= len(m.Types) {
			return nil, invalid(int(i), "unknown type %d", out[i])
		}
	}
	return out, nil
}

func decodeTableSection(r *bytes.Reader, offsetBase int) ([]TableType, error) {
	n, err := readU32(r, offsetBase, "table count")
	if err != nil {
		return nil, err
	}
	out := make([]TableType, n)
	for i := range out {
		elem, err := readValueType(r, offsetBase)
		if err != nil {
			return nil, err
		}
		if !elem.IsReference() {
			return nil, malformed(offsetBase, "table element type must be a reference type, got %s", elem)
		}
		lim, err := readLimits(r, offsetBase)
		if err != nil {
			return nil, err
		}
		out[i] = TableType{ElemType: elem, Limits: lim}
	}
	return out, nil
}

func decodeMemorySection(r *bytes.Reader, offsetBase int) ([]MemoryType, error) {
	n, err := readU32(r, offsetBase, "memory count")
	if err != nil {
		return nil, err
	}
	out := make([]MemoryType, n)
	for i := range out {
		lim, err := readLimits(r, offsetBase)
		if err != nil {
			return nil, err
		}
		out[i] = MemoryType{Limits: lim}
	}
	if len(out) > 1 {
		return nil, fmt.Errorf("%w: multiple memories", ErrUnsupported)
	}
	return out, nil
}

func decodeGlobalSection(r *bytes.Reader, offsetBase int) ([]GlobalSegment, error) {
	n, err := readU32(r, offsetBase, "global count")
	if err != nil {
		return nil, err
	}
	out := make([]GlobalSegment, n)
	for i := range out {
		vt, err := readValueType(r, offsetBase)
		if err != nil {
			return nil, err
		}
		mutByte, err := r.ReadByte()
		if err != nil {
			return nil, malformed(offsetBase, "read global mutability: %v", err)
		}
		init, err := readConstExpr(r, offsetBase)
		if err != nil {
			return nil, err
		}
		out[i] = GlobalSegment{Type: GlobalType{ValType: vt, Mutable: mutByte == 0x01}, Init: init}
	}
	return out, nil
}

func decodeExportSection(r *bytes.Reader, offsetBase int, m *Module) ([]Export, error) {
	n, err := readU32(r, offsetBase, "export count")
	if err != nil {
		return nil, err
	}
	out := make([]Export, n)
	seen := make(map[string]bool, n)
	for i := range out {
		name, err := readName(r, offsetBase)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, invalid(0, "duplicate export name %q", name)
		}
		seen[name] = true
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, malformed(offsetBase, "read export kind: %v", err)
		}
		idx, err := readU32(r, offsetBase, "export index")
		if err != nil {
			return nil, err
		}
		out[i] = Export{Name: name, Kind: ExternKind(kindByte), Index: idx}
	}
	return out, nil
}

func decodeStartSection(r *bytes.Reader, offsetBase int, m *Module) (*uint32, error) {
	idx, err := readU32(r, offsetBase, "start function index")
	if err != nil {
		return nil, err
	}
	return &idx, nil
}

func decodeElementSection(r *bytes.Reader, offsetBase int, m *Module) ([]ElementSegment, error) {
	n, err := readU32(r, offsetBase, "element count")
	if err != nil {
		return nil, err
	}
	out := make([]ElementSegment, n)
	for i := range out {
		flags, err := readU32(r, offsetBase, "element flags")
		if err != nil {
			return nil, err
		}
		seg := ElementSegment{RefType: ValueTypeFuncref}
		switch flags {
		case 0:
			seg.Mode = ElementModeActive
			seg.TableIndex = 0
			if seg.Offset, err = readConstExpr(r, offsetBase); err != nil {
				return nil, err
			}
			if seg.FuncIndexes, err = readFuncIndexVec(r, offsetBase); err != nil {
				return nil, err
			}
		case 1:
			seg.Mode = ElementModePassive
			if _, err := r.ReadByte(); err != nil { // elemkind, must be 0x00 (funcref)
				return nil, malformed(offsetBase, "read elemkind: %v", err)
			}
			if seg.FuncIndexes, err = readFuncIndexVec(r, offsetBase); err != nil {
				return nil, err
			}
		case 2:
			seg.Mode = ElementModeActive
			if seg.TableIndex, err = readU32(r, offsetBase, "element table index"); err != nil {
				return nil, err
			}
			if seg.Offset, err = readConstExpr(r, offsetBase); err != nil {
				return nil, err
			}
			if _, err := r.ReadByte(); err != nil {
				return nil, malformed(offsetBase, "read elemkind: %v", err)
			}
			if seg.FuncIndexes, err = readFuncIndexVec(r, offsetBase); err != nil {
				return nil, err
			}
		case 3:
			seg.Mode = ElementModeDeclarative
			if _, err := r.ReadByte(); err != nil {
				return nil, malformed(offsetBase, "read elemkind: %v", err)
			}
			if seg.FuncIndexes, err = readFuncIndexVec(r, offsetBase); err != nil {
				return nil, err
			}
		case 4:
			seg.Mode = ElementModeActive
			seg.TableIndex = 0
			if seg.Offset, err = readConstExpr(r, offsetBase); err != nil {
				return nil, err
			}
			if seg.Init, err = readConstExprVec(r, offsetBase); err != nil {
				return nil, err
			}
		case 5:
			seg.Mode = ElementModePassive
			if seg.RefType, err = readValueType(r, offsetBase); err != nil {
				return nil, err
			}
			if seg.Init, err = readConstExprVec(r, offsetBase); err != nil {
				return nil, err
			}
		case 6:
			seg.Mode = ElementModeActive
			if seg.TableIndex, err = readU32(r, offsetBase, "element table index"); err != nil {
				return nil, err
			}
			if seg.Offset, err = readConstExpr(r, offsetBase); err != nil {
				return nil, err
			}
			if seg.RefType, err = readValueType(r, offsetBase); err != nil {
				return nil, err
			}
			if seg.Init, err = readConstExprVec(r, offsetBase); err != nil {
				return nil, err
			}
		case 7:
			seg.Mode = ElementModeDeclarative
			if seg.RefType, err = readValueType(r, offsetBase); err != nil {
				return nil, err
			}
			if seg.Init, err = readConstExprVec(r, offsetBase); err != nil {
				return nil, err
			}
		default:
			return nil, malformed(offsetBase, "invalid element segment flags %d", flags)
		}
		out[i] = seg
	}
	return out, nil
}

func readFuncIndexVec(r *bytes.Reader, offsetBase int) ([]uint32, error) {
	n, err := readU32(r, offsetBase, "element init count")
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i], err = readU32(r, offsetBase, "element func index")
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readConstExprVec(r *bytes.Reader, offsetBase int) ([]*ConstExpr, error) {
	n, err := readU32(r, offsetBase, "element init count")
	if err != nil {
		return nil, err
	}
	out := make([]*ConstExpr, n)
	for i := range out {
		out[i], err = readConstExpr(r, offsetBase)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeDataSection(r *bytes.Reader, offsetBase int, m *Module) ([]DataSegment, error) {
	n, err := readU32(r, offsetBase, "data count")
	if err != nil {
		return nil, err
	}
	out := make([]DataSegment, n)
	for i := range out {
		flag, err := readU32(r, offsetBase, "data segment flag")
		if err != nil {
			return nil, err
		}
		seg := DataSegment{}
		switch flag {
		case 0:
			seg.Mode = DataModeActive
			if seg.Offset, err = readConstExpr(r, offsetBase); err != nil {
				return nil, err
			}
		case 1:
			seg.Mode = DataModePassive
		case 2:
			seg.Mode = DataModeActive
			if seg.MemoryIndex, err = readU32(r, offsetBase, "data memory index"); err != nil {
				return nil, err
			}
			if seg.Offset, err = readConstExpr(r, offsetBase); err != nil {
				return nil, err
			}
		default:
			return nil, malformed(offsetBase, "invalid data segment flag %d", flag)
		}
		size, err := readU32(r, offsetBase, "data segment size")
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, malformed(offsetBase, "read data segment bytes: %v", err)
		}
		seg.Init = buf
		out[i] = seg
	}
	return out, nil
}

func decodeCodeSection(r *bytes.Reader, offsetBase int, m *Module) ([]FuncBody, error) {
	n, err := readU32(r, offsetBase, "code count")
	if err != nil {
		return nil, err
	}
	env := &codeEnv{
		types:       m.Types,
		funcTypeIdx: m.FuncTypeIndexSpace(),
		tables:      m.TableIndexSpace(),
		memoryCount: len(m.MemoryIndexSpace()),
		globals:     m.GlobalIndexSpace(),
	}

	out := make([]FuncBody, n)
	for i := range out {
		bodySize, err := readU32(r, offsetBase, "function body size")
		if err != nil {
			return nil, err
		}
		body := make([]byte, bodySize)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, malformed(offsetBase, "read function body: %v", err)
		}
		if int(i) >= len(m.FunctionTypeIndexes) {
			return nil, invalid(int(i), "more function bodies than declared functions")
		}
		sig := &m.Types[m.FunctionTypeIndexes[i]]
		fb, err := decodeFuncBody(body, offsetBase, sig, env)
		if err != nil {
			return nil, err
		}
		out[i] = *fb
	}
	return out, nil
}
