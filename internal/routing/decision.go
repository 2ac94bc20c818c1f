package routing

// Decision is the provider-agnostic output of the routing engine.
//
// It must contain *only* information required to answer the voice webhook.
// Provider rendering (TwiML) happens at the adapter boundary via Instruction.
type Decision struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	OwnerUserID string `json:"owner_user_id,omitempty"`

	Action    Action `json:"action"`
	ConnectTo string `json:"connect_to,omitempty"`
	CallerID  string `json:"caller_id,omitempty"`
	Record    bool   `json:"record,omitempty"`

	// Reason is intended for internal logs and the journal only.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionReject     Action = "reject"
	ActionDialClient Action = "dial_client"
	ActionDialNumber Action = "dial_number"
)
