package chat

// Phase is a step of one completion request.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseTrimming
	PhaseMerging
	PhaseAwaitingAgentResponse
	PhasePersisting
	PhaseDone
)

var phaseNames = [...]string{
	PhaseLoading:               "LOADING",
	PhaseTrimming:              "TRIMMING",
	PhaseMerging:               "MERGING",
	PhaseAwaitingAgentResponse: "AWAITING_AGENT_RESPONSE",
	PhasePersisting:            "PERSISTING",
	PhaseDone:                  "DONE",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}
