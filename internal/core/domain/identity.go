package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identity names one endpoint on the relay. It is stable for the lifetime of
// the endpoint process it names.
type Identity string

func (id Identity) String() string { return string(id) }

// IsOperator reports whether id was minted by NewOperatorIdentity or follows
// the operator naming scheme.
func (id Identity) IsOperator() bool {
	return strings.HasPrefix(string(id), OperatorPrefix)
}

// Role selects the orchestrator variant an endpoint runs.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSender, RoleReceiver, RoleOperator:
		return true
	}
	return false
}

// OperatorPrefix is the fixed part of every operator identity.
const OperatorPrefix = "operator"

// NewOperatorIdentity appends a short random suffix to base so several
// operator consoles can log in at the same time.
func NewOperatorIdentity(base string) Identity {
	if base == "" {
		base = OperatorPrefix
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return Identity(fmt.Sprintf("%s-%s", base, suffix))
}
