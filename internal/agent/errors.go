package agent

import "fmt"

// NotRegisteredError means no adapter owns the thread. API layers map it to
// 404.
type NotRegisteredError struct {
	ThreadID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("thread %s is not registered with any agent", e.ThreadID)
}

// UnavailableError means the owning adapter exists but cannot currently serve
// operations. API layers map it to 503.
type UnavailableError struct {
	AgentID string
	Reason  string
}

func (e *UnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("agent %s is not available", e.AgentID)
	}
	return fmt.Sprintf("agent %s is not available: %s", e.AgentID, e.Reason)
}

// CapabilityError means the adapter does not support the requested operation.
type CapabilityError struct {
	AgentID   string
	Operation string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("agent %s does not support %s", e.AgentID, e.Operation)
}
