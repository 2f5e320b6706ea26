package wasm

import (
	"bytes"
	"io"

	"github.com/danielstuart14/tinywasm/internal/leb128"
)

// NameSection is the decoded contents of the optional "name" custom
// section: debug names carried through compilation, retained for
// introspection and trap messages.
type NameSection struct {
	ModuleName    string
	FunctionNames map[uint32]string
	LocalNames    map[uint32]map[uint32]string
}

const (
	nameSubsectionModule   = 0
	nameSubsectionFunction = 1
	nameSubsectionLocal    = 2
)

// decodeNameSection is best-effort: any malformed subsection aborts parsing
// of the whole "name" section without affecting module validity, since it
// carries no semantic weight for execution.
func decodeNameSection(data []byte, m *Module) (*NameSection, error) {
	r := bytes.NewReader(data)
	ns := &NameSection{FunctionNames: map[uint32]string{}, LocalNames: map[uint32]map[uint32]string{}}

	for r.Len() > 0 {
		idByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		sr := bytes.NewReader(buf)

		switch idByte {
		case nameSubsectionModule:
			name, err := readName(sr, 0)
			if err != nil {
				return nil, err
			}
			ns.ModuleName = name
		case nameSubsectionFunction:
			if err := decodeNameMap(sr, ns.FunctionNames); err != nil {
				return nil, err
			}
		case nameSubsectionLocal:
			n, _, err := leb128.DecodeUint32(sr)
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < n; i++ {
				fidx, _, err := leb128.DecodeUint32(sr)
				if err != nil {
					return nil, err
				}
				locals := map[uint32]string{}
				if err := decodeNameMap(sr, locals); err != nil {
					return nil, err
				}
				ns.LocalNames[fidx] = locals
			}
		}
	}
	return ns, nil
}

func decodeNameMap(r *bytes.Reader, out map[uint32]string) error {
	n, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		name, err := readName(r, 0)
		if err != nil {
			return err
		}
		out[idx] = name
	}
	return nil
}
