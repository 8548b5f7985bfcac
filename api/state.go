package api

// State is the lifecycle state of an initial syncer.
// Transitions are strictly monotonic: PreStart → Running → ShuttingDown → Complete.
// Running may go directly to Complete when attempts end without a shutdown request.
type State uint32

const (
	PreStart State = iota
	Running
	ShuttingDown
	Complete
)

func (s State) String() string {
	switch s {
	case PreStart:
		return "PreStart"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}
