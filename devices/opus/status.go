// Package opus talks to the OPUS program controlling the EM27 spectrometer.
//
// Two implementations are provided: an HTTP interface to the real OPUS remote
// service, and a simulator driving an explicit state machine for running the
// application without the instrument. Both answer the same bus topics.
package opus

// Status is a device state code as reported by OPUS.
type Status int

const (
	StatusUndefined  Status = -1
	StatusIdle       Status = 0
	StatusConnecting Status = 1
	StatusConnected  Status = 2
	StatusMeasuring  Status = 3
	StatusFinishing  Status = 4
	StatusCancelling Status = 5
)

// Label returns the human-readable state name used in response events.
func (s Status) Label() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusMeasuring:
		return "Measuring"
	case StatusFinishing:
		return "Finishing current measurement"
	case StatusCancelling:
		return "Cancelling"
	default:
		return "Undefined"
	}
}

// ErrorInfo is an OPUS error code and description, as given in the manual.
type ErrorInfo struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

var (
	ErrNotIdle = ErrorInfo{1,
		"Status is not 'Idle' although required for current command"}
	ErrNotRunning = ErrorInfo{2,
		"Status is not 'Running' although required for current command"}
	ErrNotRunningOrFinishing = ErrorInfo{3,
		"Status is not 'Running' or 'Finishing' although required for current command"}
	ErrUnknownCommand  = ErrorInfo{4, "Unknown command"}
	ErrWebsiteNotFound = ErrorInfo{5, "Website not found"}
	ErrNoResult        = ErrorInfo{6, "No result available"}
	ErrNotConnected    = ErrorInfo{7, "System not connected"}
)

// Response is the payload published on opus.response.<command>.
type Response struct {
	Command string     `json:"command"`
	Status  Status     `json:"status"`
	Text    string     `json:"text"`
	Err     *ErrorInfo `json:"error,omitempty"`
}

// Bus topics shared by both implementations.
const (
	topicRequestCommand = "opus.request.command"
	topicRequestStatus  = "opus.request.status"
	topicResponsePrefix = "opus.response."
	topicError          = "opus.error"
)
