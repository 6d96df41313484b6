package flow

// Arena is a packed memory region into which byte content is written once
// and referenced many times by Slice, so that many small payloads can be
// batched into a single large message without per-payload allocation.
type Arena []byte

// Add appends b to the Arena, returning its indexed Slice.
func (a *Arena) Add(b []byte) Slice {
	var out = Slice{Begin: uint32(len(*a))}
	*a = append(*a, b...)
	out.End = uint32(len(*a))
	return out
}

// AddAll appends each of b to the Arena, returning their indexed Slices.
func (a *Arena) AddAll(b ...[]byte) []Slice {
	var out = make([]Slice, 0, len(b))
	for _, bb := range b {
		out = append(out, a.Add(bb))
	}
	return out
}

// Bytes returns the portion of the Arena indexed by Slice.
func (a Arena) Bytes(s Slice) []byte { return a[s.Begin:s.End] }

// AllBytes returns all []byte slices indexed by the given Slices.
func (a Arena) AllBytes(s ...Slice) [][]byte {
	var out = make([][]byte, 0, len(s))
	for _, ss := range s {
		out = append(out, a.Bytes(ss))
	}
	return out
}
