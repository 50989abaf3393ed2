package assemble

import "bytes"

const (
	id3v2HeaderSize = 10
	id3v2FooterSize = 10
	id3v2FooterFlag = 0x10
	id3v1TagSize    = 128
)

var (
	id3v2Magic = []byte("ID3")
	id3v1Magic = []byte("TAG")
)

// SynchsafeInt decodes a 4-byte big-endian integer that uses 7 bits per byte.
func SynchsafeInt(b []byte) int {
	if len(b) < 4 {
		return 0
	}
	size := 0
	for i := 0; i < 4; i++ {
		size = size<<7 | int(b[i]&0x7F)
	}
	return size
}

// StripTags removes a leading ID3v2 tag and a trailing ID3v1 tag. A buffer
// without either is returned unchanged. ok is false when the leading tag
// claims the whole buffer, leaving no audio behind.
func StripTags(data []byte) (out []byte, ok bool) {
	out = data
	if len(out) >= id3v2HeaderSize && bytes.Equal(out[:3], id3v2Magic) {
		size := id3v2HeaderSize + SynchsafeInt(out[6:10])
		if out[5]&id3v2FooterFlag != 0 {
			size += id3v2FooterSize
		}
		if size >= len(out) {
			return nil, false
		}
		out = out[size:]
	}
	if n := len(out); n >= id3v1TagSize && bytes.Equal(out[n-id3v1TagSize:n-id3v1TagSize+3], id3v1Magic) {
		out = out[:n-id3v1TagSize]
	}
	return out, true
}
