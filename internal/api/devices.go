package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
	"github.com/nerrad567/gray-logic-meross/internal/registry"
	"github.com/nerrad567/gray-logic-meross/internal/trace"
)

// deviceRequestTimeout bounds a proxied appliance request.
const deviceRequestTimeout = 30 * time.Second

// deviceSummary is one row in the device list.
type deviceSummary struct {
	UUID     string         `json:"uuid"`
	Type     string         `json:"type"`
	Firmware string         `json:"firmware"`
	Online   bool           `json:"online"`
	Route    string         `json:"route"`
	Metrics  engine.Metrics `json:"metrics"`
}

// handleListDevices returns every configured device with its live
// engine state.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.List()

	summaries := make([]deviceSummary, 0, len(devices))
	for _, dev := range devices {
		desc := dev.Descriptor()
		summaries = append(summaries, deviceSummary{
			UUID:     dev.DeviceID(),
			Type:     desc.Type(),
			Firmware: desc.FirmwareVersion(),
			Online:   dev.Online(),
			Route:    dev.CurrentRoute().String(),
			Metrics:  dev.Metrics(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": summaries,
		"count":   len(summaries),
	})
}

// handleGetDevice returns the descriptor snapshot and handler state
// for one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	desc := dev.Descriptor()
	writeJSON(w, http.StatusOK, map[string]any{
		"uuid":             dev.DeviceID(),
		"online":           dev.Online(),
		"route":            dev.CurrentRoute().String(),
		"type":             desc.Type(),
		"firmware":         desc.FirmwareVersion(),
		"hardware_version": desc.HardwareVersion(),
		"mac_address":      desc.MacAddress(),
		"inner_ip":         desc.InnerIP(),
		"timezone":         desc.TimeZone(),
		"descriptor":       desc.Payload(),
		"abilities":        desc.Abilities(),
		"digest":           desc.Digest(),
		"debug":            desc.Debug(),
		"namespaces":       dev.Namespaces(),
		"metrics":          dev.Metrics(),
		"diagnostics":      dev.Diagnostics(),
	})
}

// deviceRequest is the body for POST /devices/{uuid}/request.
type deviceRequest struct {
	Namespace string         `json:"namespace"`
	Method    string         `json:"method"`
	Payload   map[string]any `json:"payload"`
}

// handleDeviceRequest proxies an arbitrary namespace request to the
// appliance and returns the acknowledged payload.
func (s *Server) handleDeviceRequest(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Namespace == "" {
		writeBadRequest(w, "namespace is required")
		return
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = protocol.MethodGet
	}
	if method != protocol.MethodGet && method != protocol.MethodSet {
		writeBadRequest(w, "method must be GET or SET")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceRequestTimeout)
	defer cancel()

	payload, err := dev.RequestAck(ctx, req.Namespace, method, req.Payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "device_timeout", "device did not answer in time")
			return
		}
		writeError(w, http.StatusBadGateway, "device_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": req.Namespace,
		"method":    method,
		"payload":   payload,
	})
}

// handleDevicePoll schedules an immediate full polling cycle.
func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	dev.PollNow()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"uuid":   dev.DeviceID(),
		"status": "scheduled",
	})
}

// handleDeviceTrace returns recent traced envelopes for one device.
//
// Query parameters:
//   - namespace: filter by namespace
//   - direction: filter by direction (tx, rx)
//   - limit, offset: pagination
func (s *Server) handleDeviceTrace(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if s.traceRepo == nil {
		writeNotFound(w, "tracing is not enabled")
		return
	}

	q := r.URL.Query()
	filter := trace.Filter{
		UUID:      dev.DeviceID(),
		Namespace: q.Get("namespace"),
		Direction: q.Get("direction"),
		Limit:     queryInt(q.Get("limit")),
		Offset:    queryInt(q.Get("offset")),
	}

	result, err := s.traceRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("trace query failed", "uuid", dev.DeviceID(), "error", err)
		writeInternalError(w, "failed to query trace entries")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleDiscovered lists appliances noticed on the broker that are not
// configured.
func (s *Server) handleDiscovered(w http.ResponseWriter, _ *http.Request) {
	discovered := s.registry.Discovered()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": discovered,
		"count":   len(discovered),
	})
}

// lookupDevice resolves the {uuid} path parameter, writing a 404 when
// the device is not configured.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*engine.Device, bool) {
	uuid := chi.URLParam(r, "uuid")
	dev, err := s.registry.Get(uuid)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
		} else {
			writeInternalError(w, "failed to look up device")
		}
		return nil, false
	}
	return dev, true
}

// queryInt parses a query parameter as an int, zero when absent or bad.
func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
