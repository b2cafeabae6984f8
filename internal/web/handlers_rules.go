package web

import (
	"net/http"

	"kc868-go-home/internal/automation"
)

func (s *Server) handleAPIListSchedules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Schedules())
}

func (s *Server) handleAPIGetSchedule(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, automation.MaxSchedules)
	if !ok {
		return
	}
	sched, err := s.ctrl.Schedule(i)
	if err != nil {
		s.writeUpdateError(w, "get schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

// handleAPIUpdateSchedule decodes the body over the stored slot, so omitted
// fields keep their current values.
func (s *Server) handleAPIUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, automation.MaxSchedules)
	if !ok {
		return
	}
	sched, err := s.ctrl.Schedule(i)
	if err != nil {
		s.writeUpdateError(w, "get schedule", err)
		return
	}
	if !s.decode(w, r, &sched) {
		return
	}
	if err := s.ctrl.UpdateSchedule(i, sched); err != nil {
		s.writeUpdateError(w, "update schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleAPIDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, automation.MaxSchedules)
	if !ok {
		return
	}
	if err := s.ctrl.DeleteSchedule(i); err != nil {
		s.writeUpdateError(w, "delete schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIEvaluateSchedules(w http.ResponseWriter, r *http.Request) {
	n := s.ctrl.EvaluateInputSchedules()
	s.writeJSON(w, http.StatusOK, map[string]int{"fired": n})
}

func (s *Server) handleAPIListAnalogTriggers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.AnalogTriggers())
}

func (s *Server) handleAPIGetAnalogTrigger(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, automation.MaxAnalogTriggers)
	if !ok {
		return
	}
	trig, err := s.ctrl.AnalogTrigger(i)
	if err != nil {
		s.writeUpdateError(w, "get analog trigger", err)
		return
	}
	s.writeJSON(w, http.StatusOK, trig)
}

func (s *Server) handleAPIUpdateAnalogTrigger(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, automation.MaxAnalogTriggers)
	if !ok {
		return
	}
	trig, err := s.ctrl.AnalogTrigger(i)
	if err != nil {
		s.writeUpdateError(w, "get analog trigger", err)
		return
	}
	if !s.decode(w, r, &trig) {
		return
	}
	if err := s.ctrl.UpdateAnalogTrigger(i, trig); err != nil {
		s.writeUpdateError(w, "update analog trigger", err)
		return
	}
	s.writeJSON(w, http.StatusOK, trig)
}

func (s *Server) handleAPIDeleteAnalogTrigger(w http.ResponseWriter, r *http.Request) {
	i, ok := s.slot(w, r, automation.MaxAnalogTriggers)
	if !ok {
		return
	}
	if err := s.ctrl.DeleteAnalogTrigger(i); err != nil {
		s.writeUpdateError(w, "delete analog trigger", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
