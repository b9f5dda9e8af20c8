package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

// iEngine - интерфейс движка для HTTP-слоя
type iEngine interface {
	Submit(m *paxos.Msg, reply func(*paxos.Msg)) error
	ExecutedMsg() synode.Synode
	DeliveredMsg() synode.Synode
	MaxSynode() synode.Synode
	LatestSite() *site.Site
	FsmState() string
	Booted() bool
	Traffic() map[string]map[string]uint64
}

// Server exposes status and reconfiguration over HTTP.
type Server struct {
	engine     iEngine
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(engine iEngine, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		engine: engine,
		URL:    "http://localhost:" + port,
		addr:   ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	slog.Info("HTTP server started", "addr", s.addr)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/api/propose", s.handlePropose)
	r.Post("/api/config/add_node", s.handleConfig(paxos.AddNodeType))
	r.Post("/api/config/remove_node", s.handleConfig(paxos.RemoveNodeType))
	r.Post("/api/config/force_config", s.handleConfig(paxos.ForceConfigType))
	r.Post("/api/config/event_horizon", s.handleEventHorizon)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := map[string]any{
		"fsm":       s.engine.FsmState(),
		"booted":    s.engine.Booted(),
		"executed":  s.engine.ExecutedMsg(),
		"delivered": s.engine.DeliveredMsg(),
		"max":       s.engine.MaxSynode(),
		"traffic":   s.engine.Traffic(),
	}
	if site := s.engine.LatestSite(); site != nil {
		st["site"] = site
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing payload"})
		return
	}
	m := &paxos.Msg{App: []paxos.AppData{{Cargo: paxos.AppType, Body: body}}}
	if err := s.engine.Submit(m, nil); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type configRequest struct {
	Nodes []struct {
		Address string `json:"address"`
		UID     string `json:"uid"`
	} `json:"nodes"`
}

func (s *Server) handleConfig(cargo paxos.CargoType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req configRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
			return
		}
		nodes := make([]site.NodeAddress, 0, len(req.Nodes))
		for _, n := range req.Nodes {
			na := site.NodeAddress{
				Address:  n.Address,
				MinProto: site.Proto10,
				MaxProto: site.MyMaxProto,
			}
			if n.UID != "" {
				id, err := uuid.Parse(n.UID)
				if err != nil {
					s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad uid"})
					return
				}
				na.UID = id
			} else {
				na.UID = uuid.New()
			}
			nodes = append(nodes, na)
		}
		m := &paxos.Msg{App: []paxos.AppData{{Cargo: cargo, Nodes: nodes}}}
		s.submitAndReply(w, m)
	}
}

func (s *Server) handleEventHorizon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventHorizon uint32 `json:"event_horizon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	m := &paxos.Msg{App: []paxos.AppData{{
		Cargo:        paxos.SetEventHorizonType,
		EventHorizon: req.EventHorizon,
	}}}
	s.submitAndReply(w, m)
}

// submitAndReply submits a control request and reports the validation
// outcome the engine answers at submission time.
func (s *Server) submitAndReply(w http.ResponseWriter, m *paxos.Msg) {
	done := make(chan *paxos.Msg, 1)
	err := s.engine.Submit(m, func(r *paxos.Msg) {
		select {
		case done <- r:
		default:
		}
	})
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	select {
	case r := <-done:
		if r.CliErr != paxos.RequestOK {
			s.writeJSON(w, http.StatusConflict, map[string]string{"status": r.CliErr.String()})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": r.CliErr.String()})
	case <-time.After(20 * time.Second):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	}
}
