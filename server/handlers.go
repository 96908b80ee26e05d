package server

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"tgtg-notifier/login"
	"tgtg-notifier/pkg/notifier"
	"tgtg-notifier/session"
	"tgtg-notifier/storage"
	"tgtg-notifier/upstream"
)

var userIDPattern = regexp.MustCompile(`^-?\d{1,20}$`)

type preferencesResponse struct {
	SilenceUntil *time.Time     `json:"silence_until,omitempty"`
	Events       map[string]bool `json:"events"`
	User         string          `json:"user"`
	Silenced     bool            `json:"silenced"`
}

func (s *Server) preferencesView(user notifier.UserID, p notifier.Preferences) preferencesResponse {
	events := make(map[string]bool, len(notifier.Events))
	for _, e := range notifier.Events {
		events[string(e)] = p.Enabled(e)
	}
	return preferencesResponse{
		User:         string(user),
		Events:       events,
		SilenceUntil: p.SilenceUntil,
		Silenced:     p.SilencedAt(s.now()),
	}
}

// userFromPath extracts and validates the chat ID path segment.
func userFromPath(w http.ResponseWriter, r *http.Request) (notifier.UserID, bool) {
	id := r.PathValue("id")
	if !userIDPattern.MatchString(id) {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return "", false
	}
	return notifier.UserID(id), true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": s.sessions.Active(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("Poll endpoint triggered")
	status := "queued"
	if !s.poller.Trigger() {
		status = "already_queued"
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.registrar.Register(user, req.Username, req.Email)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case errors.Is(err, login.ErrInvalidContact):
		respondError(w, http.StatusBadRequest, "invalid email address")
	case errors.Is(err, login.ErrInProgress):
		respondError(w, http.StatusConflict, "login already in progress")
	default:
		s.logger.Error("Failed to start login", "user", user, "error", err)
		respondError(w, http.StatusInternalServerError, "login failed")
	}
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	p, found := s.preferences.Get(user)
	if !found {
		respondError(w, http.StatusNotFound, "unknown user")
		return
	}
	respondJSON(w, http.StatusOK, s.preferencesView(user, p))
}

// updatePreferences applies fn and writes the resulting view or the matching error.
func (s *Server) updatePreferences(w http.ResponseWriter, r *http.Request, user notifier.UserID, fn func(*notifier.Preferences)) {
	p, err := s.preferences.Update(r.Context(), user, fn)
	s.respondPreferences(w, user, p, err)
}

func (s *Server) respondPreferences(w http.ResponseWriter, user notifier.UserID, p notifier.Preferences, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, s.preferencesView(user, p))
	case storage.IsNotFound(err):
		respondError(w, http.StatusNotFound, "unknown user")
	default:
		s.logger.Error("Failed to save preferences", "user", user, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save preferences")
	}
}

func eventFromPath(w http.ResponseWriter, r *http.Request) (notifier.Event, bool) {
	e, ok := notifier.ParseEvent(r.PathValue("event"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown event")
	}
	return e, ok
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	event, ok := eventFromPath(w, r)
	if !ok {
		return
	}
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		respondError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	s.updatePreferences(w, r, user, func(p *notifier.Preferences) { p.Set(event, *req.Enabled) })
}

func (s *Server) handleToggleEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	event, ok := eventFromPath(w, r)
	if !ok {
		return
	}
	s.updatePreferences(w, r, user, func(p *notifier.Preferences) { p.Toggle(event) })
}

type allRequest struct {
	All *bool `json:"all"`
}

func (s *Server) handleSetAll(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	var req allRequest
	if err := decodeJSON(r, &req); err != nil || req.All == nil {
		respondError(w, http.StatusBadRequest, `body must be {"all": true|false}`)
		return
	}
	s.updatePreferences(w, r, user, func(p *notifier.Preferences) { p.SetAll(*req.All) })
}

type silenceRequest struct {
	Duration string `json:"duration"`
}

func (s *Server) handleSilence(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	var req silenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := ParseSilence(req.Duration)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.preferences.Silence(r.Context(), user, s.now().Add(d))
	if err == nil {
		s.logger.Info("User silenced", "user", user, "until", p.SilenceUntil.Format(time.RFC3339))
	}
	s.respondPreferences(w, user, p, err)
}

func (s *Server) handleUnsilence(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	p, err := s.preferences.Silence(r.Context(), user, time.Time{})
	s.respondPreferences(w, user, p, err)
}

type favoriteView struct {
	PickupStart    *time.Time `json:"pickup_start,omitempty"`
	PickupEnd      *time.Time `json:"pickup_end,omitempty"`
	ItemID         string     `json:"item_id"`
	DisplayName    string     `json:"display_name"`
	StoreName      string     `json:"store_name"`
	ItemsAvailable int        `json:"items_available"`
}

func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromPath(w, r)
	if !ok {
		return
	}
	items, err := s.sessions.Favorites(r.Context(), user)
	if errors.Is(err, session.ErrNoCredentials) {
		respondError(w, http.StatusNotFound, "user is not logged in")
		return
	}
	if err != nil {
		outcome := s.sessions.HandleError(r.Context(), user, err)
		if outcome.Expired && s.notifier != nil {
			if nerr := s.notifier.SessionExpired(r.Context(), user, outcome.Username); nerr != nil {
				s.logger.Warn("Failed to deliver expiry notice", "user", user, "error", nerr)
			}
		}
		status := http.StatusBadGateway
		if outcome.Kind == upstream.KindUnauthorized {
			status = http.StatusUnauthorized
		}
		respondError(w, status, "failed to fetch favorites")
		return
	}

	out := make([]favoriteView, 0, len(items))
	for _, it := range items {
		v := favoriteView{
			ItemID:         it.ItemID,
			DisplayName:    it.DisplayName,
			StoreName:      it.StoreName,
			ItemsAvailable: it.ItemsAvailable,
		}
		if !it.PickupStart.IsZero() {
			start, end := it.PickupStart, it.PickupEnd
			v.PickupStart, v.PickupEnd = &start, &end
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, map[string]any{"user": user, "items": out})
}
