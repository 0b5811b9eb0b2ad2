// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin provides the bridge's REST management API: broker stats,
// connected clients, legacy farm sessions and Modbus devices.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/turtacn/farmbridge/pkg/blacklist"
	"github.com/turtacn/farmbridge/pkg/broker"
	"github.com/turtacn/farmbridge/pkg/device"
	"github.com/turtacn/farmbridge/pkg/legacy"
	"github.com/turtacn/farmbridge/pkg/modbus"
	"github.com/turtacn/farmbridge/pkg/registry"
)

// Broker is the embedded broker surface used by the API.
type Broker interface {
	Stats() broker.StatsSnapshot
	DisconnectClient(clientID string) bool
}

// Clients is the client registry surface used by the API.
type Clients interface {
	List() []registry.ConnectedClient
	Get(clientID string) (registry.ConnectedClient, bool)
	Active() int
}

// Legacy is the legacy bridge surface used by the API.
type Legacy interface {
	Connections() []legacy.ConnectionStatus
	Reload(ctx context.Context) (legacy.ReloadResult, error)
}

// Blacklist is the broker blacklist surface used by the API.
type Blacklist interface {
	ListEntries(entryType blacklist.BlacklistType) []blacklist.BlacklistEntry
	AddEntry(entry blacklist.BlacklistEntry) (blacklist.BlacklistEntry, error)
	RemoveEntry(id string) error
}

// Device is a polled Modbus device that accepts register writes.
type Device interface {
	ID() string
	Status() modbus.Status
	WriteCommand(ctx context.Context, cmd device.Command) device.CommandAck
}

// Actuator is a Modbus actuator driven through safe writes.
type Actuator interface {
	ID() string
	Status() modbus.Status
	SendCommand(ctx context.Context, cmd device.Command) (device.CommandAck, error)
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// PaginationMeta describes one page of a list.
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// StatsResponse is returned by GET /api/v1/stats.
type StatsResponse struct {
	Broker            broker.StatsSnapshot `json:"broker"`
	RegisteredClients int                  `json:"registeredClients"`
	LegacyConnections int                  `json:"legacyConnections"`
	ModbusDevices     int                  `json:"modbusDevices"`
}

// APIServer serves the management API. Any dependency may be nil; the
// routes that need it then answer 503.
type APIServer struct {
	broker    Broker
	clients   Clients
	legacy    Legacy
	blacklist Blacklist
	devices   map[string]Device
	actuators map[string]Actuator
	logger    *slog.Logger
}

// Option configures an APIServer.
type Option func(*APIServer)

// WithBroker sets the broker.
func WithBroker(b Broker) Option { return func(s *APIServer) { s.broker = b } }

// WithClients sets the client registry.
func WithClients(c Clients) Option { return func(s *APIServer) { s.clients = c } }

// WithLegacy sets the legacy client manager.
func WithLegacy(l Legacy) Option { return func(s *APIServer) { s.legacy = l } }

// WithBlacklist sets the blacklist.
func WithBlacklist(b Blacklist) Option { return func(s *APIServer) { s.blacklist = b } }

// WithDevices registers raw Modbus devices.
func WithDevices(ds ...Device) Option {
	return func(s *APIServer) {
		for _, d := range ds {
			s.devices[d.ID()] = d
		}
	}
}

// WithActuators registers Modbus actuators.
func WithActuators(as ...Actuator) Option {
	return func(s *APIServer) {
		for _, a := range as {
			s.actuators[a.ID()] = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *APIServer) { s.logger = l } }

// NewAPIServer creates a new API server instance
func NewAPIServer(opts ...Option) *APIServer {
	s := &APIServer{
		devices:   make(map[string]Device),
		actuators: make(map[string]Actuator),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterRoutes mounts the API under /api/v1.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	mux.HandleFunc("GET /api/v1/clients", s.handleClients)
	mux.HandleFunc("GET /api/v1/clients/{id}", s.handleClientByID)
	mux.HandleFunc("DELETE /api/v1/clients/{id}", s.handleDisconnect)

	mux.HandleFunc("GET /api/v1/legacy/connections", s.handleLegacyConnections)
	mux.HandleFunc("POST /api/v1/legacy/reload", s.handleLegacyReload)

	mux.HandleFunc("GET /api/v1/blacklist", s.handleBlacklist)
	mux.HandleFunc("POST /api/v1/blacklist", s.handleBlacklistAdd)
	mux.HandleFunc("DELETE /api/v1/blacklist/{id}", s.handleBlacklistRemove)

	mux.HandleFunc("GET /api/v1/modbus/devices", s.handleModbusDevices)
	mux.HandleFunc("POST /api/v1/modbus/devices/{id}/commands", s.handleDeviceCommand)
	mux.HandleFunc("POST /api/v1/modbus/actuators/{id}/commands", s.handleActuatorCommand)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if s.broker != nil {
		resp.Broker = s.broker.Stats()
	}
	if s.clients != nil {
		resp.RegisteredClients = len(s.clients.List())
	}
	if s.legacy != nil {
		resp.LegacyConnections = len(s.legacy.Connections())
	}
	resp.ModbusDevices = len(s.devices) + len(s.actuators)
	s.writeSuccess(w, resp)
}

func (s *APIServer) handleClients(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Client registry not available")
		return
	}
	all := s.clients.List()
	if farm := r.URL.Query().Get("farm"); farm != "" {
		filtered := all[:0:0]
		for _, c := range all {
			if c.FarmID == farm {
				filtered = append(filtered, c)
			}
		}
		all = filtered
	}

	page, limit := s.getPagination(r)
	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))

	s.writeSuccess(w, struct {
		Data []registry.ConnectedClient `json:"data"`
		Meta PaginationMeta             `json:"meta"`
	}{
		Data: all[start:end],
		Meta: PaginationMeta{Page: page, Limit: limit, Count: end - start, Total: len(all)},
	})
}

func (s *APIServer) handleClientByID(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Client registry not available")
		return
	}
	c, ok := s.clients.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Client not found")
		return
	}
	s.writeSuccess(w, c)
}

func (s *APIServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Broker not available")
		return
	}
	id := r.PathValue("id")
	if !s.broker.DisconnectClient(id) {
		s.writeError(w, http.StatusNotFound, "Client not connected")
		return
	}
	s.logger.Info("Client disconnected by admin", "client", id)
	s.writeSuccess(w, map[string]string{"result": "disconnected"})
}

func (s *APIServer) handleLegacyConnections(w http.ResponseWriter, r *http.Request) {
	if s.legacy == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Legacy bridge disabled")
		return
	}
	s.writeSuccess(w, s.legacy.Connections())
}

func (s *APIServer) handleLegacyReload(w http.ResponseWriter, r *http.Request) {
	if s.legacy == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Legacy bridge disabled")
		return
	}
	res, err := s.legacy.Reload(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, res)
}

func (s *APIServer) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	if s.blacklist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blacklist not available")
		return
	}
	s.writeSuccess(w, s.blacklist.ListEntries(blacklist.BlacklistType(r.URL.Query().Get("type"))))
}

// handleBlacklistAdd stores an entry. A new client id entry also drops the
// matching live connection.
func (s *APIServer) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	if s.blacklist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blacklist not available")
		return
	}
	var req blacklist.BlacklistEntry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid blacklist entry: "+err.Error())
		return
	}
	entry, err := s.blacklist.AddEntry(req)
	switch {
	case errors.Is(err, blacklist.ErrEntryAlreadyExists):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if entry.Type == blacklist.ClientIDBlacklist && entry.Value != "" && s.broker != nil {
		s.broker.DisconnectClient(entry.Value)
	}
	s.logger.Info("Blacklist entry added", "id", entry.ID, "type", entry.Type)
	s.writeJSON(w, http.StatusCreated, APIResponse{Code: 0, Data: entry})
}

func (s *APIServer) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	if s.blacklist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blacklist not available")
		return
	}
	if err := s.blacklist.RemoveEntry(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeSuccess(w, map[string]string{"result": "removed"})
}

func (s *APIServer) handleModbusDevices(w http.ResponseWriter, r *http.Request) {
	out := make([]modbus.Status, 0, len(s.devices)+len(s.actuators))
	for _, d := range s.devices {
		out = append(out, d.Status())
	}
	for _, a := range s.actuators {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	s.writeSuccess(w, out)
}

func (s *APIServer) decodeCommand(w http.ResponseWriter, r *http.Request, deviceID string) (device.Command, bool) {
	var cmd device.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid command body: "+err.Error())
		return cmd, false
	}
	if cmd.Type == "" {
		s.writeError(w, http.StatusBadRequest, "Command type is required")
		return cmd, false
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = deviceID
	}
	return cmd, true
}

func commandContext(r *http.Request, cmd device.Command) (context.Context, context.CancelFunc) {
	if cmd.TimeoutMs > 0 {
		return context.WithTimeout(r.Context(), time.Duration(cmd.TimeoutMs)*time.Millisecond)
	}
	return context.WithCancel(r.Context())
}

func (s *APIServer) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	d, ok := s.devices[r.PathValue("id")]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Modbus device not found")
		return
	}
	cmd, ok := s.decodeCommand(w, r, d.ID())
	if !ok {
		return
	}
	ctx, cancel := commandContext(r, cmd)
	defer cancel()
	s.writeAck(w, d.WriteCommand(ctx, cmd))
}

func (s *APIServer) handleActuatorCommand(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actuators[r.PathValue("id")]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Modbus actuator not found")
		return
	}
	cmd, ok := s.decodeCommand(w, r, a.ID())
	if !ok {
		return
	}
	ctx, cancel := commandContext(r, cmd)
	defer cancel()
	ack, err := a.SendCommand(ctx, cmd)
	if err != nil {
		if errors.Is(err, modbus.ErrNotConnected) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeAck(w, ack)
}

// writeAck answers 200 for acks and 422 for nacks, always with the ack body.
func (s *APIServer) writeAck(w http.ResponseWriter, ack device.CommandAck) {
	if ack.Status == device.Nack {
		s.writeJSON(w, http.StatusUnprocessableEntity, APIResponse{Code: http.StatusUnprocessableEntity, Message: ack.Error, Data: ack})
		return
	}
	s.writeSuccess(w, ack)
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	return page, limit
}

// Serve runs handler on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
