package transit

// Role is immutable from construction: a Transit is built as either a
// Sender or a Receiver and never changes roles.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}
