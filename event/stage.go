package event

// Stage is a point in the scripted sequence. Stages only move forward until
// teardown resets the session to StageIdle.
type Stage int

const (
	StageIdle Stage = iota
	StageAwaitingContact
	StageAwaitingName
	StageAwaitingPuzzleProgress
	StageSolved
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAwaitingContact:
		return "awaiting_contact"
	case StageAwaitingName:
		return "awaiting_name"
	case StageAwaitingPuzzleProgress:
		return "awaiting_puzzle_progress"
	case StageSolved:
		return "solved"
	default:
		return "unknown"
	}
}

// StartReason records what started a session.
type StartReason string

const (
	ReasonManual StartReason = "manual"
	ReasonAuto   StartReason = "auto"
	ReasonAdmin  StartReason = "admin"
)
