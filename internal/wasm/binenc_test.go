package wasm

// Binary-encoding helpers shared by the decoder tests, so fixtures read as
// their section structure.

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func section(id byte, parts ...[]byte) []byte {
	payload := cat(parts...)
	return cat([]byte{id}, uleb(uint32(len(payload))), payload)
}

func vec(items ...[]byte) []byte {
	return cat(uleb(uint32(len(items))), cat(items...))
}

func buildModule(sections ...[]byte) []byte {
	return cat([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, cat(sections...))
}

func funcType(params, results []byte) []byte {
	return cat([]byte{0x60}, uleb(uint32(len(params))), params, uleb(uint32(len(results))), results)
}

func codeBody(localDecls []byte, code ...byte) []byte {
	if localDecls == nil {
		localDecls = []byte{0x00}
	}
	b := cat(localDecls, code)
	return cat(uleb(uint32(len(b))), b)
}

func str(s string) []byte {
	return cat(uleb(uint32(len(s))), []byte(s))
}

func exportEntry(n string, kind byte, idx uint32) []byte {
	return cat(str(n), []byte{kind}, uleb(idx))
}
