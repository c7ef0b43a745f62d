package tuple

// Merger combines two versions of the same stripped key during a merge.
// The large side comes from the older component, the small side from the
// newer one.
type Merger interface {
	Merge(large, small *Tuple) *Tuple
}

// LastWriterWins keeps the newer (small-side) version unconditionally.
type LastWriterWins struct{}

func (LastWriterWins) Merge(_, small *Tuple) *Tuple {
	return small
}
