// ABOUTME: Sample value conversion helpers
// ABOUTME: 24-in-32 PCM packing and range constants
package audio

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// SampleFrom24Bit sign-extends the low 24 bits of a 32-bit sample container.
func SampleFrom24Bit(u uint32) int32 {
	val := int32(u & 0xFFFFFF)
	if val&0x800000 != 0 {
		val |= ^int32(0xFFFFFF)
	}
	return val
}

// SampleTo24Bit packs a 24-bit value into its 32-bit container. The high
// byte is zeroed; hardware ignores it.
func SampleTo24Bit(sample int32) uint32 {
	return uint32(sample) & 0xFFFFFF
}
