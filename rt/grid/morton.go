package grid

// MaxResolution is the largest per-axis resolution addressable by a 32-bit
// Morton code (10 bits per axis).
const MaxResolution = 1 << 10

func expandBits(v uint32) uint32 {
	v = (v * 0x00010001) & 0xFF0000FF
	v = (v * 0x00000101) & 0x0F00F00F
	v = (v * 0x00000011) & 0xC30C30C3
	v = (v * 0x00000005) & 0x49249249
	return v
}

func compactBits(v uint32) uint32 {
	v &= 0x49249249
	v = (v | (v >> 2)) & 0xC30C30C3
	v = (v | (v >> 4)) & 0x0F00F00F
	v = (v | (v >> 8)) & 0xFF0000FF
	v = (v | (v >> 16)) & 0x0000FFFF
	return v
}

// Morton3D interleaves the low 10 bits of x, y and z into a Z-order index,
// x in bit 0, y in bit 1, z in bit 2.
func Morton3D(x, y, z uint32) uint32 {
	return expandBits(x) | expandBits(y)<<1 | expandBits(z)<<2
}

// Morton3DInvert is the exact inverse of Morton3D.
func Morton3DInvert(index uint32) (x, y, z uint32) {
	return compactBits(index), compactBits(index >> 1), compactBits(index >> 2)
}
