// Package validator checks whether a link still refers to resources that
// exist and are usable.
package validator

import (
	"context"
	"errors"

	"github.com/stagelink/stagelink-server/internal/gateway"
	"github.com/stagelink/stagelink-server/internal/linkage"
)

// Presence is the three-valued existence answer for a remote resource.
// Unknown (timeout, rate-limit) must never be conflated with Absent; only an
// authoritative "not found" from the gateway yields Absent.
type Presence int

const (
	// PresenceUnknown means a transient failure prevented the check
	PresenceUnknown Presence = iota

	// PresencePresent means the gateway confirmed the resource exists
	PresencePresent

	// PresenceAbsent means the gateway authoritatively reported not-found
	PresenceAbsent
)

// String returns the presence label for logging.
func (p Presence) String() string {
	switch p {
	case PresencePresent:
		return "present"
	case PresenceAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// Result is the outcome of validating one link.
type Result struct {
	// Session is the presence of the live session
	Session Presence

	// Thread is the presence of the discussion thread
	Thread Presence

	// ThreadFinalized is true when the thread exists but is archived or
	// locked and can no longer be written to
	ThreadFinalized bool
}

// Valid reports that both resources exist and the thread is writable.
func (r Result) Valid() bool {
	return r.Session == PresencePresent && r.Thread == PresencePresent && !r.ThreadFinalized
}

// Broken reports that the link is authoritatively unusable: a resource is
// confirmed gone or the thread is finalized. Unknown presence never makes a
// link broken; destroying data on a flaky network call is exactly what this
// distinction prevents.
func (r Result) Broken() bool {
	if r.Session == PresenceAbsent || r.Thread == PresenceAbsent {
		return true
	}
	return r.Thread == PresencePresent && r.ThreadFinalized
}

// Unknown reports that at least one check could not be completed and nothing
// authoritative was learned.
func (r Result) Unknown() bool {
	return !r.Valid() && !r.Broken()
}

// Validator validates links against gateway ground truth.
type Validator struct {
	gw gateway.Gateway
}

// New creates a validator backed by the given gateway.
func New(gw gateway.Gateway) *Validator {
	return &Validator{gw: gw}
}

// Validate checks both ends of the link. Gateway "not found" responses are
// authoritative absence; transient errors map to PresenceUnknown.
func (v *Validator) Validate(ctx context.Context, link linkage.Link) Result {
	var result Result

	_, err := v.gw.GetSession(ctx, link.SessionID)
	result.Session = presenceFromErr(err)

	thread, err := v.gw.GetThread(ctx, link.ThreadID)
	result.Thread = presenceFromErr(err)
	if result.Thread == PresencePresent {
		result.ThreadFinalized = thread.Finalized()
	}

	return result
}

func presenceFromErr(err error) Presence {
	switch {
	case err == nil:
		return PresencePresent
	case errors.Is(err, gateway.ErrNotFound):
		return PresenceAbsent
	default:
		return PresenceUnknown
	}
}
