package atick

// ShouldAccept decides whether a freshly decoded candidate replaces the last
// accepted reading. A device returning from unavailability is always resynced;
// otherwise the all-zero failure sentinel and no-op repeats are rejected.
// An unknown previous reading differs from every non-zero candidate.
func ShouldAccept(candidate Counters, previous Optional[Counters], wasUnavailable bool) bool {
	if wasUnavailable {
		return true
	}
	if candidate.Sum() <= 0 {
		return false
	}
	prev, ok := previous.Get()
	if !ok {
		return true
	}
	return candidate.A != prev.A || candidate.B != prev.B
}
