// Package token implements the opaque invocation tokens that correlate a
// single logical firing of an operation across deploy, deliver, and
// process hooks.
//
// The implementation wraps github.com/google/uuid behind a local named
// type so the rest of the module never imports the upstream package
// directly.
package token

import (
	"strconv"

	"github.com/google/uuid"
)

// Invocation identifies a single logical firing of an operation. It is
// opaque to strategies except for equality comparison and the External
// sentinel.
type Invocation uuid.UUID

// External marks records that entered the system from outside (sources
// reading off the network, a timer, etc.) rather than as part of
// answering some other invocation.
var External = Invocation(uuid.Nil)

// New returns a fresh, globally unique invocation token.
func New() Invocation {
	return Invocation(uuid.New())
}

// IsExternal reports whether i is the External sentinel.
func (i Invocation) IsExternal() bool {
	return i == External
}

func (i Invocation) String() string {
	if i.IsExternal() {
		return "external"
	}
	return uuid.UUID(i).String()
}

// Ref is a deployment reference: the handle returned by Deploy and
// threaded through every (node-idx) pair published to the cluster's
// constant stores.
type Ref uuid.UUID

// NewRef allocates a fresh deployment reference.
func NewRef() Ref {
	return Ref(uuid.New())
}

func (r Ref) String() string {
	return uuid.UUID(r).String()
}

// ParseRef parses the string form a Ref.String() produced, the inverse
// needed when a deployment ref crosses the wire as a plain string
// (wire.DeployRemoteCreatePayload.Deployment).
func ParseRef(s string) (Ref, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Ref{}, err
	}
	return Ref(u), nil
}

// NodeRef addresses a single operation instance within one deployment:
// the Nth node of the flattened workflow identified by Ref.
type NodeRef struct {
	Deployment Ref
	Index      int
}

func (n NodeRef) String() string {
	return n.Deployment.String() + "/" + strconv.Itoa(n.Index)
}
