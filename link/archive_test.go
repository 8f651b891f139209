package link

import (
	"encoding/binary"
	"fmt"
)

func buildTestObjectBytes(symName string, value uint64) []byte {
	bo := binary.LittleEndian

	strTab := append([]byte{0}, append([]byte(symName), 0)...)
	const symoff = machHeaderSize64 + 24
	const nsyms = 1
	stroff := symoff + nsyms*16

	buf := make([]byte, stroff+len(strTab))

	bo.PutUint32(buf[0:4], 0xfeedfacf) // MH_MAGIC_64
	bo.PutUint32(buf[4:8], 0x01000007) // CPU_TYPE_X86_64
	bo.PutUint32(buf[8:12], 3)
	bo.PutUint32(buf[12:16], 1) // MH_OBJECT
	bo.PutUint32(buf[16:20], 1) // ncmds
	bo.PutUint32(buf[20:24], 24)
	bo.PutUint32(buf[24:28], 0)
	bo.PutUint32(buf[28:32], 0)

	cmd := buf[machHeaderSize64:]
	bo.PutUint32(cmd[0:4], 0x2) // LC_SYMTAB
	bo.PutUint32(cmd[4:8], 24)
	bo.PutUint32(cmd[8:12], uint32(symoff))
	bo.PutUint32(cmd[12:16], nsyms)
	bo.PutUint32(cmd[16:20], uint32(stroff))
	bo.PutUint32(cmd[20:24], uint32(len(strTab)))

	nl := buf[symoff:]
	bo.PutUint32(nl[0:4], 1) // n_strx into strTab, skipping the leading NUL
	nl[4] = 0x0f             // N_EXT | N_SECT
	nl[5] = 1
	bo.PutUint16(nl[6:8], 0)
	bo.PutUint64(nl[8:16], value)

	copy(buf[stroff:], strTab)
	return buf
}

func arMember(name string, data []byte) []byte {
	hdr := make([]byte, arHeaderSize)
	for i := range hdr {
		hdr[i] = ' '
	}
	copy(hdr[0:16], name)
	copy(hdr[16:28], "0")
	copy(hdr[28:34], "0")
	copy(hdr[34:40], "0")
	copy(hdr[40:48], "0")
	copy(hdr[48:58], fmt.Sprintf("%d", len(data)))
	hdr[58] = '`'
	hdr[59] = '\n'

	body := append([]byte{}, data...)
	if len(body)%2 != 0 {
		body = append(body, '\n')
	}
	return append(hdr, body...)
}

func buildTestArchive(members map[string][]byte, order []string) []byte {
	raw := append([]byte{}, arMagic...)
	for _, name := range order {
		raw = append(raw, arMember(name, members[name])...)
	}
	return raw
}
