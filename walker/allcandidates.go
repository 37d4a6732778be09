package walker

import "github.com/triblerteam/dispersy/candidate"

// CandidateProvider is satisfied by node.Node: it exposes every
// attached community's candidate table without walker importing node
// (which would cycle back through node's dependency on walker).
type CandidateProvider interface {
	CandidateTables() []*candidate.Table
}

// AllCandidates is the GlobalCandidateCache analogue (dispersy.py:217):
// a read-through iterator over every attached community's table, not
// a shared mutable map (spec.md §9's candidate-table design note).
func AllCandidates(p CandidateProvider) []*candidate.Candidate {
	var out []*candidate.Candidate
	for _, t := range p.CandidateTables() {
		out = append(out, t.All()...)
	}
	return out
}
