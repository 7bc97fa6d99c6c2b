package api

import (
	"context"
	"net/http"
	"time"
)

// actionTimeout bounds how long a request waits for the coordinator.
const actionTimeout = 15 * time.Second

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Snapshot())
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.CallLog())
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "accept", s.agent.Accept)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "reject", s.agent.Reject)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "hangup", s.agent.Hangup)
}

func (s *Server) handleDismissNotice(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "dismiss notice", s.agent.DismissNotice)
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Muted == nil {
		writeError(w, http.StatusBadRequest, "muted is required")
		return
	}
	s.runAction(w, r, "mute", func(ctx context.Context) error {
		return s.agent.SetMuted(ctx, *req.Muted)
	})
}

type holdRequest struct {
	OnHold *bool `json:"on_hold"`
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.OnHold == nil {
		writeError(w, http.StatusBadRequest, "on_hold is required")
		return
	}
	s.runAction(w, r, "hold", func(ctx context.Context) error {
		return s.agent.SetOnHold(ctx, *req.OnHold)
	})
}

type dialRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateDestination(req.Destination); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	s.runAction(w, r, "dial", func(ctx context.Context) error {
		return s.agent.Dial(ctx, req.Destination)
	})
}

// runAction invokes a coordinator action and answers with the snapshot
// that reflects it.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, name string, action func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	if err := action(ctx); err != nil {
		status := actionStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("call action failed", "action", name, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Snapshot())
}
