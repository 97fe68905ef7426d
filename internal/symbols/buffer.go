package symbols

import "bytes"

// limitedBuffer keeps at most limit bytes and records whether more were written.
type limitedBuffer struct {
	bytes.Buffer
	limit      int
	overflowed bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.overflowed {
		return len(p), nil
	}
	if b.Len()+len(p) > b.limit {
		b.overflowed = true
		b.Reset()
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
