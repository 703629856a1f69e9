package timeheap

// Valid exposes the heap-order check to the external test package.
func (th *Heap) Valid() bool { return th.h.valid() }
