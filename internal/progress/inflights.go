package progress

// inFlights is a bounded sliding window of in-flight AppendEntries batches,
// tracked by the highest index each batch carried. A pipelining follower
// stops receiving new batches once the window is full (spec.md §4.5
// "pipelined AppendEntries").
type inFlights struct {
	start  int
	count  int
	buffer []uint64
}

func newInFlights(capacity int) inFlights {
	return inFlights{buffer: make([]uint64, capacity)}
}

func (f *inFlights) full() bool { return f.count == len(f.buffer) }

func (f *inFlights) mod(i int) int {
	n := len(f.buffer)
	for i >= n {
		i -= n
	}
	return i
}

func (f *inFlights) add(index uint64) {
	if f.full() {
		return
	}
	f.buffer[f.mod(f.start+f.count)] = index
	f.count++
}

// freeTo discards every in-flight entry at or below index, since the
// follower's result tells us everything up to index landed.
func (f *inFlights) freeTo(index uint64) {
	if f.count == 0 || index < f.buffer[f.start] {
		return
	}
	for i := 0; i < f.count; i++ {
		if index < f.buffer[f.mod(f.start+i)] {
			f.start = f.mod(f.start + i)
			f.count -= i
			return
		}
	}
	f.reset()
}

func (f *inFlights) reset() {
	f.start, f.count = 0, 0
}
