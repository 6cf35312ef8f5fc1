package gateway

import (
	"github.com/livelab/crowdcue/internal/consensus"
)

// Message type discriminators on the wire.
const (
	// client → server
	msgAudienceInput     = "audience:input"
	msgAudienceHello     = "audience:hello"
	msgOverrideSet       = "override:set"
	msgOverrideClear     = "override:clear"
	msgSchedulerStart    = "scheduler:start"
	msgSchedulerStop     = "scheduler:stop"
	msgParameterRegister = "parameter:register"

	// server → client
	msgStateUpdate = "state:update"
	msgInputAck    = "input:ack"
	msgError       = "error"
)

// Error codes surfaced to clients.
const (
	codeValidation = "validation"
	codeQuota      = "quota"
	codeMalformed  = "malformed"
	codeInternal   = "internal"
)

// inbound is the flat decode target for every client → server message;
// the Type field selects which of the remaining fields are meaningful.
type inbound struct {
	Type string `json:"type"`

	// audience:input
	Values    map[string]float64 `json:"values,omitempty"`
	Timestamp int64              `json:"timestamp,omitempty"`

	// audience:hello
	Location *consensus.Location `json:"location,omitempty"`

	// override:set / override:clear
	Parameter   string   `json:"parameter,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Value       float64  `json:"value,omitempty"`
	BlendFactor *float64 `json:"blendFactor,omitempty"`
	ExpiresAt   int64    `json:"expiresAt,omitempty"`

	// parameter:register
	Name      string   `json:"name,omitempty"`
	Smoothing *float64 `json:"smoothing,omitempty"`
	Default   float64  `json:"default,omitempty"`
}

// stateUpdate is pushed to every audience client at tick frequency.
type stateUpdate struct {
	Type          string             `json:"type"`
	Values        map[string]float64 `json:"values"`
	AudienceCount int                `json:"audienceCount"`
	TickTimestamp int64              `json:"tickTimestamp"`
}

// inputAck echoes the client's submission timestamp for RTT
// estimation.
type inputAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// errorMsg reports a validation or quota rejection. The session stays
// open.
type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
