// Package deploy implements the Deployer of spec.md §4.7: flatten a
// workflow, publish its link-table and per-node deployment data to the
// replicated constant stores, run every node's strategy.Deploy hook in
// flattened order, start a per-workflow supervisor, and return a
// manager handle that tears the whole thing down again.
package deploy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/softwarelanguageslab/skitter/metrics"
	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/placement"
	"github.com/softwarelanguageslab/skitter/router"
	"github.com/softwarelanguageslab/skitter/storage"
	"github.com/softwarelanguageslab/skitter/strategy"
	"github.com/softwarelanguageslab/skitter/token"
	"github.com/softwarelanguageslab/skitter/worker"
	"github.com/softwarelanguageslab/skitter/workflow"
)

// RemoteCreator dispatches CreateRemote to a worker actually living on
// a different node, over whatever transport package cluster/wire set
// up, and carries back whatever that worker later emits or fails with
// through NotifyRemoteProcess. A Deployer built without one can still
// deploy entirely local (single-process "skitter local") workflows.
type RemoteCreator interface {
	CreateRemote(node, operation, strategyName string, deploymentData, initialState any, tag string, lifetime worker.Lifetime, deployment token.Ref, nodeIndex int, coordinator string) (worker.Ref, error)
	NotifyRemoteProcess(coordinator string, deployment token.Ref, nodeIndex int, workerRef string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation, callbackErr string, fatal bool) error
}

// ConstantStores groups the three replicated key/value stores a
// deployment publishes into, per spec.md §4.7 steps 4/6/7.
type ConstantStores struct {
	Links       storage.Interface // key: deployment ref -> encoded links
	Deployment  storage.Interface // key: deployment ref -> encoded deployment-data vector
	Supervisors storage.Interface // key: deployment ref -> node list running a supervisor
}

// Deployer drives deploy(workflow) -> manager_ref for one node. Every
// node in a cluster runs its own Deployer sharing the same
// ConstantStores so deploy hooks on different nodes observe the same
// published link-table.
type Deployer struct {
	log        *zap.Logger
	nodeName   string
	ops        *op.Registry
	strategies *strategy.Registry
	mgr        *worker.Manager
	placement  *placement.Service
	remote     RemoteCreator
	stores     ConstantStores
	metrics    *metrics.Registry

	failureThreshold int

	mu       sync.Mutex
	managers map[token.Ref]*Manager
}

// New returns a Deployer for one node. m may be nil. ops lets this
// Deployer answer a DEPLOY_REMOTE_CREATE for a deployment it never ran
// Deploy for itself, by resolving the operation and strategy named in
// the request against the same registries every node loads at startup.
func New(log *zap.Logger, nodeName string, ops *op.Registry, strategies *strategy.Registry, mgr *worker.Manager, pl *placement.Service, remote RemoteCreator, stores ConstantStores, m *metrics.Registry) *Deployer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Deployer{
		log:              log,
		nodeName:         nodeName,
		ops:              ops,
		strategies:       strategies,
		mgr:              mgr,
		placement:        pl,
		remote:           remote,
		stores:           stores,
		metrics:          m,
		failureThreshold: 5,
		managers:         make(map[token.Ref]*Manager),
	}
}

// Deployments lists every deployment currently live on this node, for
// the master's read-only status surface.
func (d *Deployer) Deployments() []*Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Manager, 0, len(d.managers))
	for _, m := range d.managers {
		out = append(out, m)
	}
	return out
}

// Deployment looks up one live deployment by ref.
func (d *Deployer) Deployment(ref token.Ref) (*Manager, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.managers[ref]
	return m, ok
}

// CreateRemoteLocal satisfies cluster.RemoteWorkerCreator: it answers a
// peer's DEPLOY_REMOTE_CREATE request by spawning a worker on this
// node. If this Deployer already holds a Manager for deployment --
// because it is the node that ran Deploy -- the new worker is
// spawned against that existing nodeRuntime and routes/supervises
// exactly like a local one.
//
// Otherwise this node has no resolved router or supervisor for the
// ref, because a different node ran Deploy for it. It builds a
// throwaway nodeRuntime from operation and strategyName -- resolvable
// here because every node in a deployment loads the same operation and
// strategy registries at startup -- carrying deploymentData forward
// from the deploying node's strategy.Deploy call instead of running
// its own. That runtime's coordinator names the node whose Manager
// holds the real router and supervisor; every Process outcome the
// spawned worker produces is forwarded there with NotifyRemoteProcess
// rather than applied locally.
func (d *Deployer) CreateRemoteLocal(operation, strategyName string, deploymentData, initialState any, tag string, lifetime worker.Lifetime, deployment token.Ref, nodeIndex int, coordinator string) (worker.Ref, error) {
	d.mu.Lock()
	m, ok := d.managers[deployment]
	d.mu.Unlock()
	if ok {
		if nodeIndex < 0 || nodeIndex >= len(m.runtimes) {
			return worker.Ref{}, fmt.Errorf("deploy: node index %d out of range for deployment %s", nodeIndex, deployment)
		}
		rt := m.runtimes[nodeIndex]
		if rt.op.Name() != operation {
			return worker.Ref{}, fmt.Errorf("deploy: node %d of deployment %s runs operation %q, not %q", nodeIndex, deployment, rt.op.Name(), operation)
		}
		ref, err := rt.CreateLocal(initialState, tag, fromWorkerLifetime(lifetime))
		if err != nil {
			return worker.Ref{}, err
		}
		wr, _ := ref.(worker.Ref)
		return wr, nil
	}

	if d.ops == nil {
		return worker.Ref{}, fmt.Errorf("deploy: node %s has no local record of deployment %s and no operation registry to build one ad hoc", d.nodeName, deployment)
	}
	opDef, ok := d.ops.Lookup(operation)
	if !ok {
		return worker.Ref{}, fmt.Errorf("deploy: operation %q not registered on node %s", operation, d.nodeName)
	}
	strat, ok := d.strategies.Lookup(strategyName)
	if !ok {
		return worker.Ref{}, &strategy.Error{Strategy: strategyName, Op: operation, Reason: "strategy not registered"}
	}
	if coordinator == "" {
		coordinator = d.nodeName
	}
	nodeRef := token.NodeRef{Deployment: deployment, Index: nodeIndex}
	ctx := strategy.Context{Strategy: strategyName, Operation: opDef, Node: nodeRef}.WithDeploymentData(deploymentData)
	rt := &nodeRuntime{
		deployer:       d,
		node:           nodeRef,
		op:             opDef,
		strategyImpl:   strat,
		ctx:            ctx,
		deploymentData: deploymentData,
		coordinator:    coordinator,
	}
	ref, err := rt.CreateLocal(initialState, tag, fromWorkerLifetime(lifetime))
	if err != nil {
		return worker.Ref{}, err
	}
	wr, _ := ref.(worker.Ref)
	return wr, nil
}

// ReceiveRemoteProcess applies the outcome of one Process call that ran
// on a worker this Deployer placed on a different node through
// nodeRuntime.CreateRemote, as reported back over NotifyRemoteProcess.
// A non-empty callbackErr records a CallbackFailure (or, if fatal, an
// immediate teardown) against the deployment's real supervisor; a
// non-empty emit/emitInv is routed through the deployment's real
// router exactly as a local worker's sink would have routed it.
func (d *Deployer) ReceiveRemoteProcess(deployment token.Ref, nodeIndex int, workerRef string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation, callbackErr string, fatal bool) error {
	d.mu.Lock()
	m, ok := d.managers[deployment]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("deploy: node %s has no local record of deployment %s", d.nodeName, deployment)
	}
	if nodeIndex < 0 || nodeIndex >= len(m.runtimes) {
		return fmt.Errorf("deploy: node index %d out of range for deployment %s", nodeIndex, deployment)
	}
	rt := m.runtimes[nodeIndex]

	if callbackErr != "" {
		if d.metrics != nil {
			d.metrics.CallbackFailures.Inc()
		}
		if fatal {
			m.supervisor.Fatal(workerRef)
		} else {
			m.supervisor.RecordFailure(workerRef)
		}
		return nil
	}
	if len(emit) == 0 && len(emitInv) == 0 {
		m.supervisor.OnSuccess(workerRef)
		return nil
	}
	return rt.router.Sink(rt.node.Index, rt.op)(rt.op.Name(), emit, emitInv, inv)
}

// Manager is the handle returned by Deploy: closing it stops every
// deployment-lifetime worker this node owns for the deployment and
// unpublishes its constant-store entries (spec.md §4.7 step 8).
type Manager struct {
	Ref        token.Ref
	Flattened  *workflow.Flattened
	Router     *router.Router
	supervisor *worker.Supervisor
	stores     ConstantStores
	mgr        *worker.Manager
	deployer   *Deployer
	runtimes   []*nodeRuntime
	torn       chan struct{}
	once       sync.Once
}

// Close stops every worker this deployment created and removes its
// published constant-store entries.
func (m *Manager) Close() error {
	m.once.Do(func() {
		m.mgr.StopAll()
		m.supervisor.Close()
		_ = m.stores.Links.Update(func(tx storage.Tx) error { return tx.Delete(linksKey(m.Ref)) })
		_ = m.stores.Deployment.Update(func(tx storage.Tx) error { return tx.Delete(deploymentKey(m.Ref)) })
		_ = m.stores.Supervisors.Update(func(tx storage.Tx) error { return tx.Delete(supervisorsKey(m.Ref)) })
		if m.deployer != nil {
			m.deployer.mu.Lock()
			delete(m.deployer.managers, m.Ref)
			m.deployer.mu.Unlock()
		}
		close(m.torn)
	})
	return nil
}

// Torn reports when the deployment tore itself down because a
// worker's CallbackFailure streak breached the threshold (spec.md §7:
// "Recurring failures at a threshold tear down the workflow").
func (m *Manager) Torn() <-chan struct{} { return m.torn }

// IsTorn reports whether this deployment has already torn itself down,
// for a status surface that cannot simply block on Torn().
func (m *Manager) IsTorn() bool {
	select {
	case <-m.torn:
		return true
	default:
		return false
	}
}

// NodeCount reports how many flattened workflow nodes this deployment
// placed, for a status surface that wants a cheap summary without
// walking Flattened itself.
func (m *Manager) NodeCount() int { return len(m.runtimes) }

func linksKey(r token.Ref) string       { return "skitter_links/" + r.String() }
func deploymentKey(r token.Ref) string  { return "skitter_deployment/" + r.String() }
func supervisorsKey(r token.Ref) string { return "skitter_supervisors/" + r.String() }

// Deploy implements spec.md §4.7 steps 1-8 for one workflow.
func (d *Deployer) Deploy(wf workflow.Workflow) (*Manager, error) {
	flat, err := workflow.Flatten(wf)
	if err != nil {
		return nil, err
	}

	ref := token.NewRef()
	r := router.New(flat, d.metrics)
	sup := worker.NewSupervisor(d.failureThreshold)

	if err := d.stores.Links.Update(func(tx storage.Tx) error {
		return tx.Put(linksKey(ref), encodeLinks(flat))
	}); err != nil {
		return nil, err
	}

	deploymentData := make([]any, len(flat.Nodes))
	runtimes := make([]*nodeRuntime, len(flat.Nodes))
	for i, fn := range flat.Nodes {
		strat, ok := d.strategies.Lookup(fn.Descriptor.Strategy)
		if !ok {
			return nil, &strategy.Error{Strategy: fn.Descriptor.Strategy, Op: fn.Node.Operation.Name(), Reason: "strategy not registered"}
		}

		ctx := strategy.Context{
			Strategy:  fn.Descriptor.Strategy,
			Operation: fn.Node.Operation,
			Node:      token.NodeRef{Deployment: ref, Index: i},
		}
		rt := &nodeRuntime{
			deployer:     d,
			router:       r,
			supervisor:   sup,
			node:         ctx.Node,
			op:           fn.Node.Operation,
			strategyImpl: strat,
			ctx:          ctx,
			coordinator:  d.nodeName,
		}
		data, err := strat.Deploy(ctx, rt, fn.Descriptor.Args)
		if err != nil {
			return nil, err
		}
		deploymentData[i] = data
		rt.deploymentData = data
		rt.ctx = ctx.WithDeploymentData(data)
		runtimes[i] = rt

		r.Bind(i, router.Destination{Strategy: strat, Context: rt.ctx, Runtime: rt})
		d.log.Info("deploy: node ready", zap.Int("index", i), zap.String("operation", fn.Node.Operation.Name()), zap.String("strategy", fn.Descriptor.Strategy))
	}

	if err := d.stores.Deployment.Update(func(tx storage.Tx) error {
		return tx.Put(deploymentKey(ref), encodeDeploymentData(deploymentData))
	}); err != nil {
		return nil, err
	}
	if err := d.stores.Supervisors.Update(func(tx storage.Tx) error {
		return tx.Put(supervisorsKey(ref), []byte(d.nodeName))
	}); err != nil {
		return nil, err
	}

	m := &Manager{Ref: ref, Flattened: flat, Router: r, supervisor: sup, stores: d.stores, mgr: d.mgr, deployer: d, runtimes: runtimes, torn: make(chan struct{})}
	d.mu.Lock()
	d.managers[ref] = m
	d.mu.Unlock()
	go d.watchSupervisor(m)
	return m, nil
}

func (d *Deployer) watchSupervisor(m *Manager) {
	for range m.supervisor.Torn() {
		d.log.Error("deploy: callback failure threshold breached, tearing down", zap.String("deployment", m.Ref.String()))
		m.Close()
		return
	}
}

// encodeLinks/encodeDeploymentData publish a short diagnostic summary
// of the flattened link-table and per-node deployment-data vector for
// the status surface (spec.md §4.7 steps 4/6). They are not the data
// path a remote node uses to spawn a worker for this deployment -- that
// goes over DeployRemoteCreatePayload instead, which carries the
// receiving node everything it needs (operation name, strategy name,
// the originating node's own DeploymentData) to build its own runtime
// context directly, without decoding a replica of the link table.
func encodeLinks(flat *workflow.Flattened) []byte {
	return []byte(fmt.Sprintf("%d nodes", len(flat.Nodes)))
}

func encodeDeploymentData(vec []any) []byte {
	return []byte(fmt.Sprintf("%d entries", len(vec)))
}

// nodeRuntime implements strategy.Runtime for one flattened node,
// bridging strategy hooks to the worker manager, router, placement
// service and (for cross-node creation) RemoteCreator. One instance is
// built per flattened node and captured by the worker.Processor
// closure it hands to every worker it spawns for that node, so a
// worker dequeuing a message always dispatches back through the same
// strategy and bound Context its node was deployed with.
//
// coordinator names the node whose Manager holds the real router and
// supervisor for this node. It equals deployer.nodeName for every
// nodeRuntime built by Deploy itself; CreateRemoteLocal builds ones
// where it differs, for a worker physically hosted here but logically
// owned by whichever node ran Deploy for the deployment. router and
// supervisor are nil on those -- remote reports it, and every method
// below checks it before touching either field.
type nodeRuntime struct {
	deployer       *Deployer
	router         *router.Router
	supervisor     *worker.Supervisor
	node           token.NodeRef
	op             *op.Operation
	strategyImpl   strategy.Strategy
	ctx            strategy.Context
	deploymentData any
	coordinator    string
}

// remote reports whether this nodeRuntime's Process outcomes must be
// forwarded to a different node rather than applied through router and
// supervisor directly.
func (rt *nodeRuntime) remote() bool {
	return rt.coordinator != "" && rt.coordinator != rt.deployer.nodeName
}

// sink returns the worker.Sink this node's workers emit through: a
// direct router lookup when this node owns the deployment, or a
// forward to coordinator otherwise.
func (rt *nodeRuntime) sink() worker.Sink {
	if !rt.remote() {
		return rt.router.Sink(rt.node.Index, rt.op)
	}
	return func(_ string, emit map[string][]any, emitInv map[string][]worker.EmittedValue, inv token.Invocation) error {
		return rt.deployer.remote.NotifyRemoteProcess(rt.coordinator, rt.node.Deployment, rt.node.Index, "", emit, emitInv, inv, "", false)
	}
}

// notifySuccess clears ref's CallbackFailure streak, locally if this
// node owns the deployment or by forwarding to coordinator otherwise.
func (rt *nodeRuntime) notifySuccess(ref worker.Ref) {
	if !rt.remote() {
		rt.supervisor.OnSuccess(ref.String())
		return
	}
	if err := rt.deployer.remote.NotifyRemoteProcess(rt.coordinator, rt.node.Deployment, rt.node.Index, ref.String(), nil, nil, token.Invocation{}, "", false); err != nil {
		rt.deployer.log.Warn("deploy: failed to notify coordinator of successful process call", zap.String("coordinator", rt.coordinator), zap.Error(err))
	}
}

// onErrorHandler resets the failing worker and reports the failure
// against the deployment's supervisor -- locally when this node owns
// the deployment, forwarded to coordinator otherwise. A *op.
// DefinitionError surfacing from the callback is reported through
// Fatal rather than counted toward the CallbackFailure threshold.
func (rt *nodeRuntime) onErrorHandler() worker.OnError {
	return func(w *worker.Worker, err error) {
		rt.deployer.log.Warn("deploy: callback failure", zap.String("worker", w.String()), zap.Error(err))
		if rt.deployer.metrics != nil {
			rt.deployer.metrics.CallbackFailures.Inc()
		}
		var defErr *op.DefinitionError
		fatal := errors.As(err, &defErr)

		if !rt.remote() {
			if fatal {
				w.Reset(rt.op.InitialState())
				rt.supervisor.Fatal(w.Ref().String())
				return
			}
			rt.supervisor.OnFailure(w, rt.op.InitialState())
			return
		}

		w.Reset(rt.op.InitialState())
		if notifyErr := rt.deployer.remote.NotifyRemoteProcess(rt.coordinator, rt.node.Deployment, rt.node.Index, w.Ref().String(), nil, nil, token.Invocation{}, err.Error(), fatal); notifyErr != nil {
			rt.deployer.log.Warn("deploy: failed to notify coordinator of callback failure", zap.String("coordinator", rt.coordinator), zap.Error(notifyErr))
		}
	}
}

func (rt *nodeRuntime) CreateLocal(state any, tag string, lifetime strategy.Lifetime) (strategy.WorkerRef, error) {
	w := rt.deployer.mgr.CreateLocal(rt.op.Name(), state, tag, toWorkerLifetime(lifetime), 64, rt.processor(), rt.sink(), rt.onErrorHandler())
	if rt.deployer.metrics != nil {
		rt.deployer.metrics.WorkersSpawned.Inc()
		rt.deployer.metrics.WorkersActive.Inc()
	}
	return w.Ref(), nil
}

func (rt *nodeRuntime) CreateRemote(state any, tag string, lifetime strategy.Lifetime, c strategy.Constraints) (strategy.WorkerRef, error) {
	node, err := rt.placeWithRetry(c)
	if err != nil {
		return nil, err
	}
	if node == rt.deployer.nodeName || node == "" {
		return rt.CreateLocal(state, tag, lifetime)
	}
	if rt.deployer.remote == nil {
		return nil, &placement.Error{Constraints: c, Reason: "no remote creator configured for node " + node}
	}
	coordinator := rt.coordinator
	if coordinator == "" {
		coordinator = rt.deployer.nodeName
	}
	ref, err := rt.deployer.remote.CreateRemote(node, rt.op.Name(), rt.strategyImpl.Name(), rt.deploymentData, state, tag, toWorkerLifetime(lifetime), rt.node.Deployment, rt.node.Index, coordinator)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// placeWithRetry resolves c against placement, retrying on a
// PlacementError with placement.RetryBackoff -- a cluster still
// converging after a recent SUBSCRIBE_UP/membership change can make a
// constraint briefly unsatisfiable (a named node not yet visible, no
// cores advertised yet) without it being a permanent placement
// failure, per spec.md §7's "Recoverable -- the strategy decides
// retry vs fail." CreateRemote is the one caller every strategy's
// create_remote eventually reaches, so retrying here covers all of
// them instead of pushing the same loop into every strategy.
func (rt *nodeRuntime) placeWithRetry(c strategy.Constraints) (string, error) {
	return rt.placeWithRetryUsing(c, placement.RetryBackoff())
}

func (rt *nodeRuntime) placeWithRetryUsing(c strategy.Constraints, b backoff.BackOff) (string, error) {
	var node string
	err := backoff.Retry(func() error {
		n, err := rt.deployer.placement.Place(c)
		if err != nil {
			return err
		}
		node = n
		return nil
	}, b)
	return node, err
}

func (rt *nodeRuntime) Send(dst strategy.WorkerRef, message any, inv token.Invocation) error {
	ref, ok := dst.(worker.Ref)
	if !ok {
		return fmt.Errorf("deploy: %T is not a worker.Ref", dst)
	}
	err := rt.deployer.mgr.Send(ref, message, inv)
	if err != nil && rt.deployer.metrics != nil {
		if _, isDown := err.(*worker.ErrNodeDown); isDown {
			rt.deployer.metrics.NodeDownTotal.Inc()
		}
	}
	return err
}

func (rt *nodeRuntime) Stop(dst strategy.WorkerRef) error {
	ref, ok := dst.(worker.Ref)
	if !ok {
		return fmt.Errorf("deploy: %T is not a worker.Ref", dst)
	}
	if rt.deployer.metrics != nil {
		rt.deployer.metrics.WorkersStopped.Inc()
	}
	return rt.deployer.mgr.Stop(ref)
}

func (rt *nodeRuntime) OutPortIndex(name string) int { return rt.op.OutPortIndex(name) }
func (rt *nodeRuntime) InPortIndex(name string) int  { return rt.op.InPortIndex(name) }

func toWorkerLifetime(l strategy.Lifetime) worker.Lifetime {
	if l == strategy.Invocation {
		return worker.Invocation
	}
	return worker.Deployment
}

func fromWorkerLifetime(l worker.Lifetime) strategy.Lifetime {
	if l == worker.Invocation {
		return strategy.Invocation
	}
	return strategy.Deployment
}

// processor adapts strategy.Strategy.Process into the worker.Processor
// shape a *worker.Worker calls on every dequeued message, translating
// worker.EmittedValue<->strategy.EmittedValue at the boundary so
// package worker never needs to import package strategy.
func (rt *nodeRuntime) processor() worker.Processor {
	return func(w *worker.Worker, env worker.Envelope) (any, bool, map[string][]any, map[string][]worker.EmittedValue, error) {
		ctx := rt.ctx.WithInvocation(env.Invocation)
		res, err := rt.strategyImpl.Process(ctx, env.Message, w.State(), w.Tag())
		if err != nil {
			return nil, false, nil, nil, err
		}
		rt.notifySuccess(w.Ref())

		var emitInv map[string][]worker.EmittedValue
		if len(res.EmitInvocation) > 0 {
			emitInv = make(map[string][]worker.EmittedValue, len(res.EmitInvocation))
			for port, values := range res.EmitInvocation {
				converted := make([]worker.EmittedValue, len(values))
				for i, v := range values {
					converted[i] = worker.EmittedValue{Value: v.Value, Invocation: v.Invocation}
				}
				emitInv[port] = converted
			}
		}
		return res.State, res.HasState, res.Emit, emitInv, nil
	}
}
