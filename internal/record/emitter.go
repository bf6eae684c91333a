package record

// DefaultTimestampBlock is the number of samples between two timestamp markers.
const DefaultTimestampBlock = 1024

// emitter places one timestamp marker every block samples of a channel,
// whatever the size of the write calls.
//
// leftover counts the samples written since the last block boundary. A
// boundary that falls on the first sample of a call (leftover 0) is marked
// with the call's own timestamp; otherwise the first boundary is
// block-leftover samples into the call.
type emitter struct {
	block int64
}

func newEmitter(block int) emitter {
	return emitter{block: int64(block)}
}

// advance appends the markers for a write of size samples starting at
// absolute timestamp ts to stamps and returns the new leftover count.
func (e emitter) advance(leftover int64, ts int64, size int, stamps []int64) (int64, []int64) {
	n := int64(size)
	if n <= 0 {
		return leftover, stamps
	}

	first := int64(0)
	if leftover > 0 {
		first = e.block - leftover
	}
	for pos := first; pos < n; pos += e.block {
		stamps = append(stamps, ts+pos)
	}
	return (leftover + n) % e.block, stamps
}
