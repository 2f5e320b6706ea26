package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/danielstuart14/tinywasm/internal/leb128"
)

// Module is a fully decoded, validated, control-flow-annotated WebAssembly
// module, immutable once DecodeModule returns it.
type Module struct {
	Types []FuncType

	Imports []Import

	// FunctionTypeIndexes holds, for each module-defined (non-imported)
	// function, the index into Types describing its signature. Code[i]
	// is that function's body.
	FunctionTypeIndexes []uint32
	Code                []FuncBody

	Tables    []TableType
	Memories  []MemoryType
	Globals   []GlobalSegment
	Exports   []Export
	StartFunc *uint32

	Elements []ElementSegment
	Data     []DataSegment

	Names *NameSection

	Custom []CustomSection
}

// CustomSection is a decoded, unevaluated custom section other than "name".
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs reports how many entries of the function index space are
// imports (they precede module-defined functions).
func (m *Module) NumImportedFuncs() int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Type.Kind == ExternKindFunc {
			n++
		}
	}
	return n
}

// FuncTypeIndexSpace returns the type index of every function in the
// combined (imports then module-defined) function index space.
func (m *Module) FuncTypeIndexSpace() []uint32 {
	out := make([]uint32, 0, len(m.Imports)+len(m.FunctionTypeIndexes))
	for _, imp := range m.Imports {
		if imp.Type.Kind == ExternKindFunc {
			out = append(out, imp.Type.FuncType)
		}
	}
	return append(out, m.FunctionTypeIndexes...)
}

// TableIndexSpace returns the combined (imports then module-defined) table
// type list.
func (m *Module) TableIndexSpace() []TableType {
	out := make([]TableType, 0, len(m.Tables)+1)
	for _, imp := range m.Imports {
		if imp.Type.Kind == ExternKindTable {
			out = append(out, imp.Type.TableType)
		}
	}
	return append(out, m.Tables...)
}

// MemoryIndexSpace returns the combined (imports then module-defined)
// memory type list.
func (m *Module) MemoryIndexSpace() []MemoryType {
	out := make([]MemoryType, 0, len(m.Memories)+1)
	for _, imp := range m.Imports {
		if imp.Type.Kind == ExternKindMemory {
			out = append(out, imp.Type.MemoryType)
		}
	}
	return append(out, m.Memories...)
}

// GlobalIndexSpace returns the combined (imports then module-defined) global
// type list.
func (m *Module) GlobalIndexSpace() []GlobalType {
	out := make([]GlobalType, 0, len(m.Globals)+1)
	for _, imp := range m.Imports {
		if imp.Type.Kind == ExternKindGlobal {
			out = append(out, imp.Type.GlobalType)
		}
	}
	for _, g := range m.Globals {
		out = append(out, g.Type)
	}
	return out
}

var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6d} // "\0asm"

// DecodeModule parses and validates a WebAssembly binary module, annotating
// every function body's control-flow instructions in the same pass. It does
// not allocate any runtime state; see internal/wasmruntime for
// instantiation.
func DecodeModule(data []byte) (*Module, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedModule)
	}
	if !bytes.Equal(data[:4], wasmMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic number", ErrMalformedModule)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != 1 {
		return nil, fmt.Errorf("%w: got version %d", ErrUnsupportedVersion, version)
	}

	r := bytes.NewReader(data[8:])
	offset := func() int { return len(data) - r.Len() }

	m := &Module{}
	var lastID SectionID
	seen := make(map[SectionID]bool)
	var haveDataCount bool
	var declaredDataCount uint32

	for r.Len() > 0 {
		idByte, err := r.ReadByte()
		if err != nil {
			return nil, malformed(offset(), "read section id: %v", err)
		}
		id := SectionID(idByte)
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, malformed(offset(), "read section %s size: %v", id, err)
		}
		sectionOffset := offset()
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, malformed(sectionOffset, "read section %s body: %v", id, err)
		}
		sr := bytes.NewReader(body)

		if id == SectionCustom {
			cs, err := decodeCustomSection(sr, sectionOffset)
			if err != nil {
				return nil, err
			}
			if cs.Name == "name" {
				if names, err := decodeNameSection(cs.Data, m); err == nil {
					m.Names = names
				}
				// A malformed name section carries debug data only, not a
				// validity requirement, so decoding failures are silently
				// dropped.
			} else {
				m.Custom = append(m.Custom, *cs)
			}
			continue
		}

		if id < SectionType || id > SectionDataCount {
			return nil, malformed(sectionOffset, "unknown section id %d", idByte)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: section %s", ErrDuplicateSection, id)
		}
		if id <= lastID {
			return nil, fmt.Errorf("%w: section %s", ErrInvalidSectionOrder, id)
		}
		seen[id] = true
		lastID = id

		var decodeErr error
		switch id {
		case SectionType:
			m.Types, decodeErr = decodeTypeSection(sr, sectionOffset)
		case SectionImport:
			m.Imports, decodeErr = decodeImportSection(sr, sectionOffset)
		case SectionFunction:
			m.FunctionTypeIndexes, decodeErr = decodeFunctionSection(sr, sectionOffset, m)
		case SectionTable:
			m.Tables, decodeErr = decodeTableSection(sr, sectionOffset)
		case SectionMemory:
			m.Memories, decodeErr = decodeMemorySection(sr, sectionOffset)
		case SectionGlobal:
			m.Globals, decodeErr = decodeGlobalSection(sr, sectionOffset)
		case SectionExport:
			m.Exports, decodeErr = decodeExportSection(sr, sectionOffset, m)
		case SectionStart:
			m.StartFunc, decodeErr = decodeStartSection(sr, sectionOffset, m)
		case SectionElement:
			m.Elements, decodeErr = decodeElementSection(sr, sectionOffset, m)
		case SectionDataCount:
			declaredDataCount, _, decodeErr = leb128.DecodeUint32(sr)
			haveDataCount = true
		case SectionCode:
			m.Code, decodeErr = decodeCodeSection(sr, sectionOffset, m)
		case SectionData:
			m.Data, decodeErr = decodeDataSection(sr, sectionOffset, m)
		}
		if decodeErr != nil {
			return nil, decodeErr
		}
		if sr.Len() != 0 {
			return nil, malformed(sectionOffset, "section %s has %d trailing bytes", id, sr.Len())
		}
	}

	if len(m.FunctionTypeIndexes) != len(m.Code) {
		return nil, fmt.Errorf("%w: function section declares %d functions but code section has %d bodies",
			ErrInvalidModule, len(m.FunctionTypeIndexes), len(m.Code))
	}
	if haveDataCount && declaredDataCount != uint32(len(m.Data)) {
		return nil, fmt.Errorf("%w: data count section declares %d but data section has %d segments",
			ErrInvalidModule, declaredDataCount, len(m.Data))
	}

	if err := validateModule(m); err != nil {
		return nil, err
	}

	return m, nil
}
