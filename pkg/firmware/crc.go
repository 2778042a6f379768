package firmware

// crc16MCRF4XX computes CRC-16/MCRF4XX: reflected polynomial 0x8408,
// initial value 0xFFFF, no final xor. This is what the header checksum uses.
func crc16MCRF4XX(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
