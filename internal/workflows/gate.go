package workflows

// GateRule is satisfied when both thresholds are met.
type GateRule struct {
	MinSources int `json:"min_sources"`
	MinChars   int `json:"min_chars"`
}

// DefaultGateRules proceed with (3 sources, 200 chars) or (2 sources, 500 chars).
func DefaultGateRules() []GateRule {
	return []GateRule{
		{MinSources: 3, MinChars: 200},
		{MinSources: 2, MinChars: 500},
	}
}

// GatePolicy decides whether a chapter has gathered enough material.
type GatePolicy struct {
	Rules     []GateRule
	MaxRounds int
}

// GateDecision is the outcome of one supervisory check.
type GateDecision struct {
	Proceed bool
	// Forced is set when the round limit, not the material, ended research.
	Forced bool
	Reason string
}

// Decide is deterministic: it depends only on its arguments.
func (p GatePolicy) Decide(sourceCount, totalChars, round int) GateDecision {
	for _, r := range p.Rules {
		if sourceCount >= r.MinSources && totalChars >= r.MinChars {
			return GateDecision{Proceed: true, Reason: "enough material"}
		}
	}
	if round >= p.MaxRounds {
		return GateDecision{Proceed: true, Forced: true, Reason: "round limit reached"}
	}
	return GateDecision{Reason: "insufficient material"}
}
