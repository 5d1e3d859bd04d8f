package thermal

// crcStep shifts one byte through CRC-8 (polynomial 0x07, MSB first).
func crcStep(b byte) byte {
	for i := 0; i < 8; i++ {
		if b&0x80 != 0 {
			b = b<<1 ^ 0x07
		} else {
			b <<= 1
		}
	}
	return b
}

// pec computes the packet error code of a block read from addr. The CRC is
// seeded with the read address byte ((addr<<1)|1).
func pec(addr uint16, block []byte) byte {
	crc := crcStep(byte(addr<<1) | 1)
	for _, b := range block {
		crc = crcStep(b ^ crc)
	}
	return crc
}
