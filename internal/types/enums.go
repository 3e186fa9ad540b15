package types

// ResourceType identifies a plan-limited countable resource.
type ResourceType string

const (
	ResourceUsers       ResourceType = "users"
	ResourceConnections ResourceType = "connections"
)

// Valid reports whether the resource type is one of the known values.
func (r ResourceType) Valid() bool {
	return r == ResourceUsers || r == ResourceConnections
}

// UserStatus represents the account lifecycle state of a user.
// Users are owned and mutated by the identity collaborator; the ledger
// only observes their transitions.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
	UserStatusDeleted  UserStatus = "deleted"
)

// Counted reports whether a user in this status consumes a plan seat.
func (s UserStatus) Counted() bool {
	return s == UserStatusActive
}

// ConnectionStatus represents the lifecycle state of an inter-company
// connection. Connections are owned by the connection-management
// collaborator.
type ConnectionStatus string

const (
	ConnectionStatusPending   ConnectionStatus = "pending"
	ConnectionStatusApproved  ConnectionStatus = "approved"
	ConnectionStatusRejected  ConnectionStatus = "rejected"
	ConnectionStatusCancelled ConnectionStatus = "cancelled"
)

// Counted reports whether a connection in this status consumes plan capacity.
func (s ConnectionStatus) Counted() bool {
	return s == ConnectionStatusApproved
}

// InviteStatus represents the lifecycle state of a pending user invite.
type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusExpired  InviteStatus = "expired"
)

// AdmissionOutcome labels the result of an admission check for metrics
// and structured logging.
type AdmissionOutcome string

const (
	AdmissionGranted  AdmissionOutcome = "granted"
	AdmissionRejected AdmissionOutcome = "rejected"
	AdmissionErrored  AdmissionOutcome = "errored"
)
