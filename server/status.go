package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/softwarelanguageslab/skitter/deploy"
	"github.com/softwarelanguageslab/skitter/token"
)

// statusService serves the read-only "/deployments" and
// "/deployments/{ref}" HTTP surface named in SPEC_FULL.md's
// supplemented features: a master-only view of every workflow
// currently deployed, through a thin net/http.ServeMux since this
// project carries no general-purpose HTTP routing service of its own
// to register routes against.
type statusService struct {
	n   *Node
	srv *http.Server
}

const (
	deploymentsPath         = "/deployments"
	deploymentsPathAnchored = deploymentsPath + "/"
)

func (s *statusService) Open() error {
	mux := http.NewServeMux()
	mux.HandleFunc(deploymentsPath, s.handleList)
	mux.HandleFunc(deploymentsPathAnchored, s.handleGet)

	addr := s.n.cfg.Status
	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("starting deployment status listener: %w", err)
	}
	go srv.Serve(ln)
	s.srv = srv
	s.n.log.Info("deployment status listening", zap.String("addr", addr))
	return nil
}

func (s *statusService) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// deploymentSummary is the JSON shape returned by both endpoints.
type deploymentSummary struct {
	Ref       string `json:"ref"`
	Nodes     int    `json:"nodes"`
	Torn      bool   `json:"torn"`
	NodeNames []string `json:"node_names"`
}

func (s *statusService) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := make([]deploymentSummary, 0, len(s.n.deployer.Deployments()))
	for _, m := range s.n.deployer.Deployments() {
		out = append(out, summarize(m))
	}
	writeJSON(w, out)
}

func (s *statusService) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	refStr := strings.TrimPrefix(r.URL.Path, deploymentsPathAnchored)
	ref, err := token.ParseRef(refStr)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid deployment ref %q", refStr), http.StatusBadRequest)
		return
	}
	m, ok := s.n.deployer.Deployment(ref)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown deployment %q", refStr), http.StatusNotFound)
		return
	}
	writeJSON(w, summarize(m))
}

func summarize(m *deploy.Manager) deploymentSummary {
	names := make([]string, len(m.Flattened.Nodes))
	for i, fn := range m.Flattened.Nodes {
		names[i] = fn.Node.Name
	}
	return deploymentSummary{
		Ref:       m.Ref.String(),
		Nodes:     m.NodeCount(),
		Torn:      m.IsTorn(),
		NodeNames: names,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
