package syncer

import "fmt"

// Phase is the coarse state of a sync run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetchingMetadata
	PhaseDownloading
	PhaseSuccess
	PhaseError
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchingMetadata:
		return "fetching_metadata"
	case PhaseDownloading:
		return "downloading"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	case PhaseCompleted:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is one published sync state. Progress is meaningful while
// downloading; Message for success and error.
type State struct {
	Phase    Phase   `json:"phase"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
}

func Idle() State             { return State{Phase: PhaseIdle} }
func FetchingMetadata() State { return State{Phase: PhaseFetchingMetadata} }
func Completed() State        { return State{Phase: PhaseCompleted} }

func Downloading(progress float64) State {
	return State{Phase: PhaseDownloading, Progress: progress}
}

func Success(msg string) State { return State{Phase: PhaseSuccess, Message: msg} }

func Error(msg string) State { return State{Phase: PhaseError, Message: msg} }

// Terminal reports whether the state waits for Reset or a linger to end.
func (s State) Terminal() bool {
	return s.Phase == PhaseSuccess || s.Phase == PhaseError || s.Phase == PhaseCompleted
}

func (s State) String() string {
	switch s.Phase {
	case PhaseDownloading:
		return fmt.Sprintf("downloading %.0f%%", s.Progress*100)
	case PhaseSuccess, PhaseError:
		return s.Phase.String() + ": " + s.Message
	default:
		return s.Phase.String()
	}
}
