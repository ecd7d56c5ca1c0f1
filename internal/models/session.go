package models

import (
	"time"
)

// Derived session status constants. Released and failed are terminal; the
// duplicate guard only cares about non-terminal sessions.
const (
	SessionStatusStarting = "starting"
	SessionStatusRunning  = "running"
	SessionStatusActive   = "active"
	SessionStatusReleased = "released"
	SessionStatusFailed   = "failed"
)

// IsTerminalSessionStatus reports whether a session can be superseded.
func IsTerminalSessionStatus(status string) bool {
	return status == SessionStatusReleased || status == SessionStatusFailed
}

// DerivedSession is the runtime artifact produced for a provision: one
// container plus the automation agent endpoint inside it. At most one
// non-terminal session exists per provision; a failed provision keeps its
// session until the caller restarts or releases it.
type DerivedSession struct {
	ID                 string
	ProvisionID        string
	ContainerHandle    string
	AutomationEndpoint string
	Status             string
	IsActive           bool
	CreatedAt          time.Time
	ReleasedAt         *time.Time
}
