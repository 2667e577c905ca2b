// Transport is the network half of the cluster package: the framed,
// dial-per-call RPC from spec.md §6 ("a framed RPC carrying
// (message-kind, invocation-opt, payload-bytes)") layered over package
// wire's frame codec. One goroutine per accepted connection, dispatching
// on the frame's leading kind byte rather than a fixed RPC method
// table.
//
// Every node name doubles as its own dial address (host:port), so
// Transport never needs a separate address-resolution step:
// SendRemote/CreateRemote dial the destination node's name directly.
package cluster

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/softwarelanguageslab/skitter/token"
	"github.com/softwarelanguageslab/skitter/wire"
	"github.com/softwarelanguageslab/skitter/worker"
)

// ErrCookieMismatch is returned when a connecting peer's advertised
// cookie does not match this node's configured SKITTER_COOKIE.
var ErrCookieMismatch = errors.New("cluster: cookie mismatch")

// RemoteWorkerCreator lets a Transport satisfy incoming
// DEPLOY_REMOTE_CREATE and REMOTE_PROCESS frames through this node's
// own deployer, without package cluster importing package deploy
// (deploy already imports cluster's sibling packages, so the
// dependency would otherwise cycle).
type RemoteWorkerCreator interface {
	CreateRemoteLocal(operation, strategyName string, deploymentData, initialState any, tag string, lifetime worker.Lifetime, deployment token.Ref, nodeIndex int, coordinator string) (worker.Ref, error)
	ReceiveRemoteProcess(deployment token.Ref, nodeIndex int, workerRef string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation, callbackErr string, fatal bool) error
}

// Transport accepts SUBSCRIBE_UP, WORKER_MSG, DEPLOY_REMOTE_CREATE,
// REMOTE_PROCESS and PING frames on one listener and dials peers directly to send them.
// Every node in a deployment -- master and worker alike -- runs one
// Transport, since any node may host workers a remote strategy needs
// to reach.
type Transport struct {
	log     *zap.Logger
	cookie  string
	master  *Master // nil on a worker node: only a master verifies SUBSCRIBE_UP
	mgr     *worker.Manager
	creator RemoteWorkerCreator

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewTransport(log *zap.Logger, cookie string, master *Master, mgr *worker.Manager, creator RemoteWorkerCreator) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{log: log, cookie: cookie, master: master, mgr: mgr, creator: creator, lastSeen: map[string]time.Time{}}
}

// SetCreator wires the deployer after construction, for the same
// circular-dependency reason SetRemote exists on worker.Manager: the
// deployer's own RemoteCreator is this Transport.
func (t *Transport) SetCreator(c RemoteWorkerCreator) { t.creator = c }

// ListenAndServe opens addr and serves every accepted connection on
// its own goroutine until the returned listener is closed.
func (t *Transport) ListenAndServe(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go t.serve(nc)
		}
	}()
	return ln, nil
}

// serve handles exactly one frame per connection: every caller in this
// package dials fresh, sends one request, reads at most one reply, and
// closes, so there is no persistent per-peer connection to multiplex.
func (t *Transport) serve(nc net.Conn) {
	defer nc.Close()
	r := bufio.NewReader(nc)
	var buf []byte
	f, err := wire.ReadFrame(r, &buf)
	if err != nil {
		return
	}

	switch f.Kind {
	case wire.SubscribeUp:
		t.handleSubscribeUp(f)

	case wire.WorkerMsg:
		var p wire.WorkerMsgPayload
		if err := wire.DecodePayload(f.Payload, &p); err != nil {
			t.log.Warn("cluster: bad WORKER_MSG payload", zap.Error(err))
			return
		}
		if t.mgr != nil {
			ref := worker.Ref{Host: p.DestHost, ID: p.DestID}
			if err := t.mgr.Send(ref, p.Message, f.Invocation); err != nil {
				t.log.Warn("cluster: delivering remote message", zap.String("dest", ref.String()), zap.Error(err))
			}
		}

	case wire.DeployRemoteCreate:
		t.handleDeployRemoteCreate(nc, f)

	case wire.RemoteProcess:
		t.handleRemoteProcess(f)

	case wire.Ping:
		var p wire.PingPayload
		_ = wire.DecodePayload(f.Payload, &p)
		b, err := wire.EncodePayload(wire.PongPayload{Nonce: p.Nonce})
		if err == nil {
			_ = wire.WriteFrame(nc, wire.Frame{Kind: wire.Pong, Payload: b})
		}

	default:
		t.log.Warn("cluster: unexpected frame kind on fresh connection", zap.String("kind", f.Kind.String()))
	}
}

func (t *Transport) handleSubscribeUp(f wire.Frame) {
	if t.master == nil {
		t.log.Warn("cluster: received SUBSCRIBE_UP on a non-master node")
		return
	}
	var p wire.SubscribeUpPayload
	if err := wire.DecodePayload(f.Payload, &p); err != nil {
		t.log.Warn("cluster: bad SUBSCRIBE_UP payload", zap.Error(err))
		return
	}
	if p.Cookie != t.cookie {
		t.log.Warn("cluster: rejecting peer with bad cookie", zap.String("node", p.Node))
		return
	}
	t.master.Connect(p.Node)
	if reason := t.master.Verify(p.Node, ModeWorker, p.Tags); reason != ReasonNone {
		t.log.Warn("cluster: verification failed", zap.String("node", p.Node), zap.String("reason", string(reason)))
		return
	}
	t.mu.Lock()
	t.lastSeen[p.Node] = time.Now()
	t.mu.Unlock()
}

func (t *Transport) handleDeployRemoteCreate(nc net.Conn, f wire.Frame) {
	reply := wire.DeployRemoteCreateReply{}
	var p wire.DeployRemoteCreatePayload
	switch {
	case wire.DecodePayload(f.Payload, &p) != nil:
		reply.Err = "cluster: malformed DEPLOY_REMOTE_CREATE payload"
	case t.creator == nil:
		reply.Err = "cluster: no local deployer configured on this node"
	default:
		depRef, err := token.ParseRef(p.Deployment)
		if err != nil {
			reply.Err = err.Error()
			break
		}
		ref, err := t.creator.CreateRemoteLocal(p.Operation, p.Strategy, p.DeploymentData, p.InitialState, p.Tag, worker.Lifetime(p.Lifetime), depRef, p.NodeIndex, p.Coordinator)
		if err != nil {
			reply.Err = err.Error()
			break
		}
		reply.Host, reply.ID = ref.Host, ref.ID
	}
	b, err := wire.EncodePayload(reply)
	if err != nil {
		return
	}
	_ = wire.WriteFrame(nc, wire.Frame{Kind: wire.DeployRemoteCreate, Payload: b})
}

// handleRemoteProcess applies a REMOTE_PROCESS frame reporting the
// outcome of a Process call this node's creator placed on a different
// node, fire-and-forget like WORKER_MSG.
func (t *Transport) handleRemoteProcess(f wire.Frame) {
	var p wire.RemoteProcessPayload
	if err := wire.DecodePayload(f.Payload, &p); err != nil {
		t.log.Warn("cluster: bad REMOTE_PROCESS payload", zap.Error(err))
		return
	}
	if t.creator == nil {
		t.log.Warn("cluster: received REMOTE_PROCESS with no local deployer configured")
		return
	}
	depRef, err := token.ParseRef(p.Deployment)
	if err != nil {
		t.log.Warn("cluster: bad REMOTE_PROCESS deployment ref", zap.Error(err))
		return
	}
	var emitInv map[string][]worker.EmittedValue
	if len(p.EmitInvocation) > 0 {
		emitInv = make(map[string][]worker.EmittedValue, len(p.EmitInvocation))
		for port, values := range p.EmitInvocation {
			converted := make([]worker.EmittedValue, len(values))
			for i, v := range values {
				converted[i] = worker.EmittedValue{Value: v.Value, Invocation: v.Invocation}
			}
			emitInv[port] = converted
		}
	}
	if err := t.creator.ReceiveRemoteProcess(depRef, p.NodeIndex, p.WorkerRef, p.Emit, emitInv, p.Invocation, p.Err, p.Fatal); err != nil {
		t.log.Warn("cluster: applying REMOTE_PROCESS", zap.Error(err))
	}
}

// SendRemote implements worker.RemoteSender: it dials node directly
// and delivers one WORKER_MSG frame, fire-and-forget.
func (t *Transport) SendRemote(node string, ref worker.Ref, env worker.Envelope) error {
	nc, err := net.Dial("tcp", node)
	if err != nil {
		return err
	}
	defer nc.Close()
	payload, err := wire.EncodePayload(wire.WorkerMsgPayload{DestHost: ref.Host, DestID: ref.ID, Message: env.Message})
	if err != nil {
		return err
	}
	return wire.WriteFrame(nc, wire.Frame{Kind: wire.WorkerMsg, Invocation: env.Invocation, HasInvocation: true, Payload: payload})
}

// NodeAlive implements worker.RemoteSender by consulting the master's
// membership FSM. A worker node (t.master == nil) has no FSM of its
// own to consult and optimistically reports every node alive, relying
// on the dial itself to fail once a peer is genuinely gone.
func (t *Transport) NodeAlive(node string) bool {
	if t.master == nil {
		return true
	}
	return t.master.Alive(node)
}

// CreateRemote implements deploy.RemoteCreator: it dials node, sends a
// DEPLOY_REMOTE_CREATE request carrying everything the receiving node
// needs to build its own runtime context for this flattened node, and
// blocks for the single reply frame.
func (t *Transport) CreateRemote(node, operation, strategyName string, deploymentData, initialState any, tag string, lifetime worker.Lifetime, deployment token.Ref, nodeIndex int, coordinator string) (worker.Ref, error) {
	nc, err := net.Dial("tcp", node)
	if err != nil {
		return worker.Ref{}, err
	}
	defer nc.Close()

	payload, err := wire.EncodePayload(wire.DeployRemoteCreatePayload{
		Operation:      operation,
		Strategy:       strategyName,
		DeploymentData: deploymentData,
		InitialState:   initialState,
		Tag:            tag,
		Lifetime:       int(lifetime),
		Deployment:     deployment.String(),
		NodeIndex:      nodeIndex,
		Coordinator:    coordinator,
	})
	if err != nil {
		return worker.Ref{}, err
	}
	if err := wire.WriteFrame(nc, wire.Frame{Kind: wire.DeployRemoteCreate, Payload: payload}); err != nil {
		return worker.Ref{}, err
	}

	r := bufio.NewReader(nc)
	var buf []byte
	f, err := wire.ReadFrame(r, &buf)
	if err != nil {
		return worker.Ref{}, err
	}
	var reply wire.DeployRemoteCreateReply
	if err := wire.DecodePayload(f.Payload, &reply); err != nil {
		return worker.Ref{}, err
	}
	if reply.Err != "" {
		return worker.Ref{}, errors.New(reply.Err)
	}
	return worker.Ref{Host: reply.Host, ID: reply.ID}, nil
}

// NotifyRemoteProcess implements deploy.RemoteCreator: it dials
// coordinator and fire-and-forgets a REMOTE_PROCESS frame reporting the
// outcome of one Process call run on a worker this node hosts on
// coordinator's behalf.
func (t *Transport) NotifyRemoteProcess(coordinator string, deployment token.Ref, nodeIndex int, workerRef string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation, callbackErr string, fatal bool) error {
	nc, err := net.Dial("tcp", coordinator)
	if err != nil {
		return err
	}
	defer nc.Close()

	var wireEmitInv map[string][]wire.RemoteEmittedValue
	if len(emitInv) > 0 {
		wireEmitInv = make(map[string][]wire.RemoteEmittedValue, len(emitInv))
		for port, values := range emitInv {
			converted := make([]wire.RemoteEmittedValue, len(values))
			for i, v := range values {
				converted[i] = wire.RemoteEmittedValue{Value: v.Value, Invocation: v.Invocation}
			}
			wireEmitInv[port] = converted
		}
	}
	payload, err := wire.EncodePayload(wire.RemoteProcessPayload{
		Deployment:     deployment.String(),
		NodeIndex:      nodeIndex,
		WorkerRef:      workerRef,
		Emit:           emit,
		EmitInvocation: wireEmitInv,
		Invocation:     inv,
		Err:            callbackErr,
		Fatal:          fatal,
	})
	if err != nil {
		return err
	}
	return wire.WriteFrame(nc, wire.Frame{Kind: wire.RemoteProcess, Invocation: inv, HasInvocation: true, Payload: payload})
}

// Join performs the worker-side SUBSCRIBE_UP handshake against a
// master listening at addr, advertising node and tags.
func Join(addr, node, cookie string, tags []string) error {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer nc.Close()
	payload, err := wire.EncodePayload(wire.SubscribeUpPayload{Node: node, Cookie: cookie, Tags: tags})
	if err != nil {
		return err
	}
	return wire.WriteFrame(nc, wire.Frame{Kind: wire.SubscribeUp, Payload: payload})
}

// JoinWithBackoff retries Join with an exponential backoff, for a dial
// that is expected to succeed eventually but may race a peer still
// starting up. It gives up once maxElapsed has passed, returning the
// last dial error -- a worker node's startup failure per spec.md §6
// ("cluster join failure").
func JoinWithBackoff(addr, node, cookie string, tags []string, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		return Join(addr, node, cookie, tags)
	}, b)
}

// Heartbeat re-announces node to the master at addr every interval
// until stop is closed, refreshing the Transport's lastSeen bookkeeping
// that MonitorLoop sweeps for silence. Run this as a worker node's
// background goroutine for as long as the process stays up.
func Heartbeat(addr, node, cookie string, tags []string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := Join(addr, node, cookie, tags); err != nil {
				// A transient dial failure here surfaces as the master's
				// own MonitorLoop eventually calling Down once lastSeen
				// goes stale; nothing else for this goroutine to do.
				continue
			}
		case <-stop:
			return
		}
	}
}

// MonitorLoop runs on a master, marking a node Down once it has gone
// longer than timeout without a SUBSCRIBE_UP re-announcement. Run it
// once for the lifetime of the master process.
func (t *Transport) MonitorLoop(interval, timeout time.Duration, stop <-chan struct{}) {
	if t.master == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			var stale []string
			for node, seen := range t.lastSeen {
				if now.Sub(seen) > timeout {
					stale = append(stale, node)
				}
			}
			for _, node := range stale {
				delete(t.lastSeen, node)
			}
			t.mu.Unlock()
			for _, node := range stale {
				t.master.Down(node)
			}
		case <-stop:
			return
		}
	}
}
