package engine

// PerformanceOrder returns the personas in the order they perform in round.
// The opener alternates: odd rounds open with the first persona, even rounds
// with the second.
func PerformanceOrder(s Battle, round int) []Persona {
	if len(s.Personas) < 2 {
		return s.Personas
	}
	if round%2 == 0 {
		return []Persona{s.Personas[1], s.Personas[0]}
	}
	return []Persona{s.Personas[0], s.Personas[1]}
}

// NextPerformer is the first persona in the current round's order that has
// not produced a verse yet.
func NextPerformer(s Battle) (Persona, bool) {
	if s.Status == StatusCompleted {
		return Persona{}, false
	}
	for _, p := range PerformanceOrder(s, s.CurrentRound) {
		if !HasVerse(s, s.CurrentRound, p.ID) {
			return p, true
		}
	}
	return Persona{}, false
}
