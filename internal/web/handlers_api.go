package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/inputs"
	"kc868-go-home/internal/sensors"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// relayRequest switches relay 1-16, or every relay when Relay is 0.
type relayRequest struct {
	Relay  int               `json:"relay"`
	Action automation.Action `json:"action"`
}

func (s *Server) handleAPIRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if !s.decode(w, r, &req) {
		return
	}

	var err error
	switch {
	case req.Relay == 0 && req.Action == automation.ActionToggle:
		err = fmt.Errorf("toggle needs a single relay: %w", automation.ErrInvalid)
	case req.Relay == 0:
		err = s.ctrl.SetAllRelays(req.Action == automation.ActionOn)
	case req.Relay < 0 || req.Relay > hal.NumOutputs:
		err = fmt.Errorf("relay %d: %w", req.Relay, automation.ErrInvalid)
	default:
		err = s.ctrl.SetRelay(req.Relay-1, req.Action)
	}
	if err != nil {
		s.writeUpdateError(w, "set relay", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"relays": s.ctrl.Relays()})
}

func (s *Server) handleAPIListInterrupts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.InputConfigs())
}

func (s *Server) handleAPIUpdateInterrupt(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, inputs.NumConfigs)
	if !ok {
		return
	}
	cfg := s.ctrl.InputConfigs()[i]
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.ctrl.UpdateInputConfig(i, cfg); err != nil {
		s.writeUpdateError(w, "update interrupt", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

type enableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAPIEnableInterrupts(w http.ResponseWriter, r *http.Request) {
	var req enableRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.EnableAllInputs(req.Enabled); err != nil {
		s.writeUpdateError(w, "enable interrupts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.InputConfigs())
}

func (s *Server) handleAPIListSensors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Sensors())
}

type sensorRequest struct {
	Type sensors.Type `json:"type"`
}

func (s *Server) handleAPIUpdateSensor(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, sensors.NumSlots)
	if !ok {
		return
	}
	var req sensorRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.UpdateSensorType(i, req.Type); err != nil {
		s.writeUpdateError(w, "update sensor", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Sensors()[i])
}

func (s *Server) handleAPIGetTime(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Time())
}

// timeRequest either sets the clock to Time or, with Sync, queries NTP.
type timeRequest struct {
	Time *time.Time `json:"time"`
	Sync bool       `json:"sync"`
}

func (s *Server) handleAPISetTime(w http.ResponseWriter, r *http.Request) {
	var req timeRequest
	if !s.decode(w, r, &req) {
		return
	}

	switch {
	case req.Sync:
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := s.ctrl.SyncTime(ctx); err != nil {
			s.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	case req.Time != nil:
		if err := s.ctrl.SetTime(*req.Time); err != nil {
			s.writeUpdateError(w, "set time", err)
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "time or sync is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Time())
}
