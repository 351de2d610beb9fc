package core

import "fmt"

// CapabilityStatus is the typed answer of a capability probe.
type CapabilityStatus string

const (
	CapabilitySupported   CapabilityStatus = "supported"
	CapabilityUnsupported CapabilityStatus = "unsupported"
)

// Negotiation is the result of asking a backend whether it can honour the
// remote connection settings of an ExecutionConfig.
type Negotiation struct {
	Remote CapabilityStatus
	Reason string
}

// Supported builds a positive negotiation result.
func Supported() Negotiation {
	return Negotiation{Remote: CapabilitySupported}
}

// Unsupported builds a negative negotiation result with a reason.
func Unsupported(format string, args ...any) Negotiation {
	return Negotiation{Remote: CapabilityUnsupported, Reason: fmt.Sprintf(format, args...)}
}

// FallbackWarning is the warning recorded on outcomes that ran locally
// because the remote settings were rejected.
func (n Negotiation) FallbackWarning() string {
	return fmt.Sprintf("remote execution unsupported (%s); fell back to local", n.Reason)
}
