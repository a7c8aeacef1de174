package domain

// Role gates which operations an identity may invoke.
type Role string

const (
	RoleNone   Role = "none"
	RoleTester Role = "tester"
	RoleAdmin  Role = "admin"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleNone, RoleTester, RoleAdmin:
		return true
	}
	return false
}

// AtLeast reports whether r satisfies the required role. Admins satisfy
// every requirement; testers satisfy tester and none.
func (r Role) AtLeast(required Role) bool {
	switch required {
	case RoleNone:
		return true
	case RoleTester:
		return r == RoleTester || r == RoleAdmin
	case RoleAdmin:
		return r == RoleAdmin
	}
	return false
}

// ReportStatus is the lifecycle state of a report.
type ReportStatus string

const (
	StatusPending  ReportStatus = "pending"
	StatusAccepted ReportStatus = "accepted"
	StatusRejected ReportStatus = "rejected"
	StatusFixed    ReportStatus = "fixed"
)

func (s ReportStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusFixed:
		return true
	}
	return false
}

// Step is the current position of an identity in a guided conversation.
type Step string

const (
	StepNone               Step = "none"
	StepChoosingGroup      Step = "choosing_group"
	StepWaitingVersion     Step = "waiting_version"
	StepWaitingDevice      Step = "waiting_device"
	StepWaitingSteps       Step = "waiting_steps"
	StepWaitingExpected    Step = "waiting_expected"
	StepWaitingActual      Step = "waiting_actual"
	StepWaitingMedia       Step = "waiting_media"
	StepComposingBroadcast Step = "composing_broadcast"
)

type Identity struct {
	ID            int64  `json:"id"`
	Role          Role   `json:"role"`
	Group         string `json:"group,omitempty"`
	AcceptedCount int    `json:"accepted_count"`
	RejectedCount int    `json:"rejected_count"`
	Handle        string `json:"handle,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Report struct {
	ID         int64        `json:"id"`
	ReporterID int64        `json:"reporter_id"`
	Group      string       `json:"group"`
	Version    string       `json:"version"`
	Device     string       `json:"device,omitempty"`
	Steps      string       `json:"steps"`
	Expected   string       `json:"expected"`
	Actual     string       `json:"actual"`
	Status     ReportStatus `json:"status" enum:"pending,accepted,rejected,fixed"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
	UpdatedAt  string       `json:"updated_at" format:"date-time"`
}

// Session is the per-identity scratch state of an in-progress guided flow.
// It is consumed when the flow finishes and may be discarded at any time.
type Session struct {
	IdentityID int64             `json:"identity_id"`
	Step       Step              `json:"step"`
	Fields     map[string]string `json:"fields,omitempty"`
	UpdatedAt  string            `json:"updated_at,omitempty" format:"date-time"`
}

// Active reports whether the session is mid-flow.
func (s Session) Active() bool {
	return s.Step != "" && s.Step != StepNone
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
