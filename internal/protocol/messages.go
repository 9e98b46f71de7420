package protocol

import "time"

// Status is broadcast whenever the session view changes.
type Status struct {
	SessionID   string    `json:"session_id"`
	State       string    `json:"state"`
	Count       int       `json:"count"`
	Transcript  string    `json:"transcript"`
	Partial     string    `json:"partial,omitempty"`
	SerialState string    `json:"serial_state"`
	SerialPort  string    `json:"serial_port,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Transcript represents one counted final broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Sequence   int64     `json:"sequence"`
	Text       string    `json:"text"`
	Normalized string    `json:"normalized"`
	Detections int       `json:"detections"`
	Count      int       `json:"count"`
	Timestamp  time.Time `json:"timestamp"`
}

// ControlReply answers a control request.
type ControlReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status Status `json:"status"`
}

// SerialConnectRequest selects a port; empty asks the platform for one.
type SerialConnectRequest struct {
	Port string `json:"port,omitempty"`
}

const (
	SubjectStatus       = "tally.status"
	SubjectTranscript   = "tally.transcript"
	SubjectControlStart = "tally.control.start"
	SubjectControlStop  = "tally.control.stop"
	SubjectControlReset = "tally.control.reset"
	SubjectControlAll   = "tally.control.*"
)
