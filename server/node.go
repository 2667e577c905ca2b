// Package server wires every other package into one runnable process:
// the master, worker, and local roles spec.md §6 names. The Node type
// owns every long-lived component for its role behind a
// Service{Open()/Close()} interface and an ordered []Service slice
// (AppendService, then Open in order / Close in reverse) -- the cluster
// transport listener, the cluster monitor/heartbeat loop, the metrics
// HTTP endpoint, and the deployment status HTTP endpoint are each a
// Service here.
package server

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	bolt "go.etcd.io/bbolt"

	"github.com/softwarelanguageslab/skitter/cluster"
	"github.com/softwarelanguageslab/skitter/config"
	"github.com/softwarelanguageslab/skitter/deploy"
	"github.com/softwarelanguageslab/skitter/diag"
	"github.com/softwarelanguageslab/skitter/metrics"
	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/placement"
	"github.com/softwarelanguageslab/skitter/storage"
	"github.com/softwarelanguageslab/skitter/strategy"
	"github.com/softwarelanguageslab/skitter/worker"
	"github.com/softwarelanguageslab/skitter/workflow"
)

// ErrClusterJoin reports that a worker node could not reach its master
// within JoinWithBackoff's budget at startup -- spec.md §6 exit code
// 65 ("cluster join failure"). cmd/skitterd maps it to that exit code
// with errors.As; every other failure of Open maps to the internal
// error exit code (70).
type ErrClusterJoin struct {
	Master string
	Err    error
}

func (e *ErrClusterJoin) Error() string {
	return fmt.Sprintf("server: joining master %s: %s", e.Master, e.Err)
}

func (e *ErrClusterJoin) Unwrap() error { return e.Err }

// Service is the lifecycle every component a Node starts implements.
type Service interface {
	Open() error
	Close() error
}

// Node is one running skitter process: master, worker, or local,
// selected by cfg.Mode. It owns every long-lived component for that
// role and starts/stops them in dependency order.
type Node struct {
	cfg *config.Config

	logging *diag.Service
	log     *zap.Logger
	metrics *metrics.Registry

	db    *bolt.DB
	store storage.Interface

	master    *cluster.Master
	registry  *cluster.Registry
	tags      *cluster.Tags
	transport *cluster.Transport
	worker    *worker.Manager
	placer    *placement.Service
	ops       *op.Registry
	deployer  *deploy.Deployer

	Services       []Service
	ServicesByName map[string]int
}

// NewNode builds every component for cfg's role and registers its
// Services in startup order, but opens none of them; call Open to
// bring the node up, Close to tear it down in reverse.
func NewNode(cfg *config.Config) (*Node, error) {
	n := &Node{
		cfg:            cfg,
		ServicesByName: make(map[string]int),
	}

	n.logging = diag.NewService(cfg.Logging)
	if err := n.logging.Open(); err != nil {
		return nil, fmt.Errorf("server: opening logging: %w", err)
	}
	n.log = n.logging.Root().With(zap.String("node", cfg.NodeName), zap.String("mode", string(cfg.Mode)))

	n.metrics = metrics.New(cfg.NodeName)

	store, err := n.openStore()
	if err != nil {
		return nil, err
	}
	n.store = store

	n.registry = cluster.NewRegistry(n.store)
	n.tags = cluster.NewTags(n.store)

	n.worker = worker.NewManager(cfg.NodeName, nil)

	if cfg.Mode == config.ModeMaster || cfg.Mode == config.ModeLocal {
		n.master = cluster.NewMaster(n.log.Named("cluster"), n.registry, n.tags, n.onNodeUp, n.onNodeDown)
	}

	n.transport = cluster.NewTransport(n.log.Named("transport"), cfg.Cookie, n.master, n.worker, nil)
	n.worker.SetRemote(n.transport)

	n.placer = placement.NewService(n.nodeSource())
	n.ops = op.NewRegistry()

	strategies := strategy.NewRegistry()
	strategies.Register(strategy.NewDirect())
	strategies.Register(strategy.NewKeyed(64))
	strategies.Register(strategy.NewFanIn())

	stores := deploy.ConstantStores{Links: n.store, Deployment: n.store, Supervisors: n.store}
	n.deployer = deploy.New(n.log.Named("deploy"), cfg.NodeName, n.ops, strategies, n.worker, n.placer, n.transport, stores, n.metrics)
	n.transport.SetCreator(n.deployer)

	n.AppendService("transport", &transportService{n: n})
	if n.master != nil {
		n.AppendService("cluster_monitor", &monitorService{n: n})
	}
	if cfg.Mode == config.ModeWorker {
		n.AppendService("heartbeat", &heartbeatService{n: n})
	}
	if cfg.Metrics.Enabled {
		n.AppendService("metrics", &metricsService{n: n})
	}
	if n.master != nil {
		n.AppendService("status", &statusService{n: n})
	}

	return n, nil
}

func (n *Node) openStore() (storage.Interface, error) {
	if n.cfg.Mode == config.ModeLocal || n.cfg.DataDir == "" {
		return storage.NewMemStore(), nil
	}
	path := n.cfg.DataDir + "/skitter.db"
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("server: opening bolt store: %w", err)
	}
	n.db = db
	b, err := storage.NewBolt(db, []byte("skitter"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// AppendService records a named service in startup order, refusing a
// duplicate name.
func (n *Node) AppendService(name string, s Service) {
	if _, ok := n.ServicesByName[name]; ok {
		panic(fmt.Sprintf("server: service %q already registered", name))
	}
	n.ServicesByName[name] = len(n.Services)
	n.Services = append(n.Services, s)
}

// Open starts every registered Service in order.
func (n *Node) Open() error {
	for _, s := range n.Services {
		n.log.Debug("opening service", zap.String("service", fmt.Sprintf("%T", s)))
		if err := s.Open(); err != nil {
			_ = n.Close()
			return fmt.Errorf("server: open service %T: %w", s, err)
		}
	}
	return nil
}

// Close stops every Service in reverse order, then the store and
// logging beneath them.
func (n *Node) Close() error {
	n.worker.StopAll()

	var firstErr error
	for i := len(n.Services) - 1; i >= 0; i-- {
		if err := n.Services[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := n.logging.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Deploy runs wf through this node's Deployer (spec.md §4.7) and
// counts it in the deployments_total metric.
func (n *Node) Deploy(wf workflow.Workflow) (*deploy.Manager, error) {
	n.metrics.DeploymentsTotal.Inc()
	return n.deployer.Deploy(wf)
}

// RegisterOperation makes o resolvable by name for every node in a
// cluster to reach: a node asked to spawn a worker for a deployment it
// never ran Deploy for (deploy.Deployer.CreateRemoteLocal's ad-hoc
// path) only has the operation's name to go on, not the literal
// *op.Operation value, since callbacks are live Go closures that never
// cross the wire. Call it once at startup for every operation any
// workflow this node might deploy or receive a remote worker for uses.
func (n *Node) RegisterOperation(o *op.Operation) { n.ops.Register(o) }

func (n *Node) onNodeUp(node string, tags []string) {
	n.metrics.ClusterMembers.Inc()
	n.log.Info("node up", zap.String("node", node), zap.Strings("tags", tags))
}

func (n *Node) onNodeDown(node string) {
	n.metrics.ClusterMembers.Dec()
	n.metrics.NodeDownTotal.Inc()
	n.log.Warn("node down", zap.String("node", node))
}

// nodeSource adapts this node's membership view to placement.NodeSource.
func (n *Node) nodeSource() placement.NodeSource { return (*nodeSourceView)(n) }

type nodeSourceView Node

func (v *nodeSourceView) Cores() []string {
	n := (*Node)(v)
	if n.master != nil {
		// A master is itself a worker core in "skitter local" and in
		// any deployment where the master also hosts workers.
		return append(n.master.Members(), n.cfg.NodeName)
	}
	return []string{n.cfg.NodeName}
}

func (v *nodeSourceView) HostOf(string) (string, bool) {
	// This node keeps no worker-id -> node index, so every worker is
	// reported unknown: a "with" constraint fails with a PlacementError
	// and an "avoid" constraint takes the first core.
	return "", false
}

func (v *nodeSourceView) Alive(node string) bool {
	n := (*Node)(v)
	if node == n.cfg.NodeName {
		return true
	}
	if n.master != nil {
		return n.master.Alive(node)
	}
	return false
}

// transportService opens the cluster wire-protocol listener every
// node runs, master and worker alike.
type transportService struct {
	n  *Node
	ln net.Listener
}

func (s *transportService) Open() error {
	ln, err := s.n.transport.ListenAndServe(s.n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.n.cfg.Listen, err)
	}
	s.ln = ln
	s.n.log.Info("cluster transport listening", zap.String("addr", s.n.cfg.Listen))
	return nil
}

func (s *transportService) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// monitorService runs a master's liveness sweep for the lifetime of
// the process (spec.md §4.6 "down: monitor fires").
type monitorService struct {
	n    *Node
	stop chan struct{}
}

func (s *monitorService) Open() error {
	s.stop = make(chan struct{})
	go s.n.transport.MonitorLoop(5*time.Second, 20*time.Second, s.stop)
	return nil
}

func (s *monitorService) Close() error {
	close(s.stop)
	return nil
}

// heartbeatService re-announces a worker node to its master for the
// lifetime of the process.
type heartbeatService struct {
	n    *Node
	stop chan struct{}
}

func (s *heartbeatService) Open() error {
	s.stop = make(chan struct{})
	if err := cluster.JoinWithBackoff(s.n.cfg.Master, s.n.cfg.NodeName, s.n.cfg.Cookie, s.n.cfg.Tags, 30*time.Second); err != nil {
		return &ErrClusterJoin{Master: s.n.cfg.Master, Err: err}
	}
	go cluster.Heartbeat(s.n.cfg.Master, s.n.cfg.NodeName, s.n.cfg.Cookie, s.n.cfg.Tags, 5*time.Second, s.stop)
	return nil
}

func (s *heartbeatService) Close() error {
	close(s.stop)
	return nil
}

// metricsService serves the Prometheus /metrics endpoint (SPEC_FULL.md's
// supplemented deployment metrics endpoint).
type metricsService struct {
	n   *Node
	srv interface{ Close() error }
}

func (s *metricsService) Open() error {
	srv, err := s.n.metrics.Serve(s.n.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("starting metrics listener: %w", err)
	}
	s.srv = srv
	s.n.log.Info("metrics listening", zap.String("addr", s.n.cfg.Metrics.Listen))
	return nil
}

func (s *metricsService) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}
