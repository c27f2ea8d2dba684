package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"i4.energy/across/wncmodem/modem"
)

// Server handles incoming HTTP requests for inspecting the configured modem
// instance
type Server struct {
	Logger *slog.Logger
	Modem  *modem.Modem
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sockets", s.handleSockets)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to encode response", "error", err)
	}
}

// handleStatus reports the bring-up state and, while the packet context is
// up, the assigned address
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		State    string `json:"state"`
		Alive    bool   `json:"alive"`
		Firmware string `json:"firmware,omitempty"`
		Address  string `json:"address,omitempty"`
		SignalDB *int   `json:"signal_dbm,omitempty"`
	}

	resp := StatusResponse{
		State:    s.Modem.State(),
		Alive:    s.Modem.IsAlive(r.Context()),
		Firmware: s.Modem.FirmwareVersion(),
	}
	if !resp.Alive {
		s.sendJSON(w, resp, http.StatusServiceUnavailable)
		return
	}

	if sig, err := s.Modem.Signal(r.Context()); err == nil {
		if dbm, err := sig.DBm(); err == nil {
			resp.SignalDB = &dbm
		}
	} else {
		s.Logger.Debug("Signal query failed", "error", err)
	}

	if resp.State == modem.StateContextActive {
		st, err := s.Modem.IPAddress(r.Context())
		if err != nil {
			s.Logger.Error("Failed to read IP address", "error", err)
			s.sendError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Address = st.Addr.String()
	}

	s.sendJSON(w, resp, http.StatusOK)
}

// handleSockets lists the open modem sockets
func (s *Server) handleSockets(w http.ResponseWriter, r *http.Request) {
	sockets := s.Modem.Sockets()
	if sockets == nil {
		sockets = []modem.SocketInfo{}
	}
	s.sendJSON(w, sockets, http.StatusOK)
}
