package wire

import (
	"encoding/gob"

	"github.com/softwarelanguageslab/skitter/token"
)

// WorkerMsgPayload carries one message to a remote worker -- the wire
// form of worker.Envelope plus the destination Ref, since the envelope
// itself never crosses a process boundary.
type WorkerMsgPayload struct {
	DestHost string
	DestID   string
	Message  any
}

// DeployRemoteCreatePayload asks a remote node to spawn a worker for
// operation with the given initial state, tag and lifetime, returning
// its Ref -- the wire form of strategy.Runtime.CreateRemote.
//
// Strategy and DeploymentData carry the node's strategy name and the
// value that node's deploy hook returned, so the receiving node can
// build its own copy of that node's runtime context even if it never
// ran Deploy for this ref itself -- it only needs the same operation
// and strategy names registered locally, which every node in a
// deployment does. Coordinator names the node whose Deployer holds the
// deployment's router and supervisor, so the spawned worker's Process
// outcomes can be routed and supervised there instead of locally.
type DeployRemoteCreatePayload struct {
	Operation      string
	Strategy       string
	DeploymentData any
	InitialState   any
	Tag            string
	Lifetime       int
	Deployment     string // token.Ref.String()
	NodeIndex      int
	Coordinator    string
}

// DeployRemoteCreateReply returns the newly created worker's address.
type DeployRemoteCreateReply struct {
	Host string
	ID   string
	Err  string
}

// RemoteProcessPayload carries the outcome of one Process call run on
// a worker a DEPLOY_REMOTE_CREATE request placed on this node, sent
// back to Coordinator so it can route the emitted values through the
// deployment's real router and feed its supervisor -- both of which
// only exist on the node that ran Deploy for this ref.
//
// Err == "" means the Process call succeeded (WorkerRef clears its
// supervisor failure streak); any Emit/EmitInvocation present is
// routed exactly as a local worker's sink would route it. Err != ""
// means the call failed; Fatal distinguishes a DefinitionError (torn
// down immediately) from an ordinary CallbackFailure (counted toward
// the deployment's failure threshold).
type RemoteProcessPayload struct {
	Deployment     string
	NodeIndex      int
	WorkerRef      string
	Emit           map[string][]any
	EmitInvocation map[string][]RemoteEmittedValue
	Invocation     token.Invocation
	Err            string
	Fatal          bool
}

// RemoteEmittedValue is the wire form of worker.EmittedValue.
type RemoteEmittedValue struct {
	Value      any
	Invocation token.Invocation
}

// RegistryPutPayload/RegistryDelPayload/TagsPutPayload/TagsDelPayload
// mirror the master's Registry/Tags mutations so a worker node's local
// caches (package cluster's WorkerView) can be kept in sync without
// reaching back into the master's storage directly.
type RegistryPutPayload struct {
	Node string
	Tags []string
}

type RegistryDelPayload struct {
	Node string
}

type TagsPutPayload struct {
	Tag  string
	Node string
}

type TagsDelPayload struct {
	Tag  string
	Node string
}

// SubscribeUpPayload is what a worker sends its master, through
// cluster.Join and every cluster.Heartbeat, to join or re-announce
// itself with its cookie and tags. SubscribeDownPayload is the matching
// down event; no code path in this module sends it.
type SubscribeUpPayload struct {
	Node   string
	Cookie string
	Tags   []string
}

type SubscribeDownPayload struct {
	Node string
}

// PingPayload/PongPayload carry nothing but a nonce: a Transport answers
// a PING with a PONG carrying the same nonce. No code path in this
// module sends PING; a master tracks liveness from SUBSCRIBE_UP
// re-announcements.
type PingPayload struct{ Nonce uint64 }
type PongPayload struct{ Nonce uint64 }

func init() {
	// Concrete types that may appear boxed in an `any` field and cross
	// the wire: the callback IR's value domain is open (spec.md §3
	// "value" is any JSON-like scalar/slice/map), so register the
	// common cases gob needs named types for.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(true)
	gob.Register([]any{})
	gob.Register(map[string]any{})
}
