package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"hass-sync/internal/entity"
	"hass-sync/internal/hass"
	"hass-sync/internal/hub"
	"hass-sync/internal/store"
)

// EntityView is the API representation of a tracked entity.
type EntityView struct {
	EntityID        string              `json:"entity_id"`
	FriendlyName    string              `json:"friendly_name"`
	Kind            entity.Kind         `json:"kind"`
	TypeLabel       string              `json:"type_label"`
	Status          entity.Status       `json:"status"`
	Actionable      bool                `json:"actionable"`
	RefreshInterval string              `json:"refresh_interval"`
	State           *entity.StateRecord `json:"state,omitempty"`
	LastFetch       *time.Time          `json:"last_fetch,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	HistoryLen      int                 `json:"history_len"`
}

// HistoryView is the history of one entity.
type HistoryView struct {
	EntityID  string `json:"entity_id"`
	Generated bool   `json:"generated"`
	// SyntheticEntries counts the oldest entries that were generated; later
	// ones are live states.
	SyntheticEntries int                  `json:"synthetic_entries"`
	Entries          []entity.StateRecord `json:"entries"`
}

func entityView(c *entity.Client) EntityView {
	v := EntityView{
		EntityID:        c.EntityID(),
		FriendlyName:    c.FriendlyName(),
		Kind:            c.Kind(),
		TypeLabel:       c.TypeLabel(),
		Status:          c.Status(),
		Actionable:      c.Actionable(),
		RefreshInterval: c.RefreshInterval().String(),
		HistoryLen:      c.History().Len(),
	}
	if cur := c.Current(); !cur.IsZero() {
		v.State = &cur
	}
	if t := c.LastFetch(); !t.IsZero() {
		v.LastFetch = &t
	}
	if err := c.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

func (s *Server) handleAPIListEntities(w http.ResponseWriter, r *http.Request) {
	clients := s.hub.List()
	views := make([]EntityView, 0, len(clients))
	for _, c := range clients {
		views = append(views, entityView(c))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetEntity(w http.ResponseWriter, r *http.Request) {
	c, err := s.hub.Get(r.PathValue("id"))
	if err != nil {
		s.writeHubError(w, "get entity", err)
		return
	}
	s.writeJSON(w, http.StatusOK, entityView(c))
}

func (s *Server) handleAPIEntityHistory(w http.ResponseWriter, r *http.Request) {
	c, err := s.hub.Get(r.PathValue("id"))
	if err != nil {
		s.writeHubError(w, "get history", err)
		return
	}
	h := c.History()
	entries := h.Entries()
	if entries == nil {
		entries = []entity.StateRecord{}
	}
	s.writeJSON(w, http.StatusOK, HistoryView{
		EntityID:         c.EntityID(),
		Generated:        h.IsGenerated(),
		SyntheticEntries: h.SyntheticLen(),
		Entries:          entries,
	})
}

type trackEntityRequest struct {
	EntityID        string `json:"entity_id"`
	Kind            string `json:"kind"`
	RefreshInterval string `json:"refresh_interval"`
}

func (s *Server) handleAPITrackEntity(w http.ResponseWriter, r *http.Request) {
	var req trackEntityRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	interval, err := parseDuration(req.RefreshInterval)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid refresh_interval")
		return
	}

	c, err := s.hub.Track(r.Context(), store.Tracked{
		EntityID:        strings.TrimSpace(req.EntityID),
		Kind:            req.Kind,
		RefreshInterval: interval,
	})
	if err != nil {
		s.writeHubError(w, "track entity", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entityView(c))
}

func (s *Server) handleAPIUntrackEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Untrack(r.PathValue("id")); err != nil {
		s.writeHubError(w, "untrack entity", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefreshEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.Refresh(r.Context(), id); err != nil {
		s.writeHubError(w, "refresh entity", err)
		return
	}
	s.writeEntity(w, id)
}

type refreshHistoryRequest struct {
	Span string `json:"span"`
}

func (s *Server) handleAPIRefreshHistory(w http.ResponseWriter, r *http.Request) {
	var req refreshHistoryRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	span, err := parseDuration(req.Span)
	if err != nil || span < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid span")
		return
	}

	id := r.PathValue("id")
	if err := s.hub.RefreshHistory(r.Context(), id, span); err != nil {
		s.writeHubError(w, "refresh history", err)
		return
	}
	s.writeEntity(w, id)
}

type commandRequest struct {
	Domain string         `json:"domain"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	id := r.PathValue("id")
	if err := s.hub.Command(r.Context(), id, req.Domain, req.Action, req.Data); err != nil {
		s.writeHubError(w, "command", err)
		return
	}
	s.writeEntity(w, id)
}

func (s *Server) handleAPIUpstream(w http.ResponseWriter, r *http.Request) {
	st := s.hub.Upstream(r.Context())
	resp := struct {
		hub.UpstreamStatus
		Last *store.Upstream `json:"last_seen,omitempty"`
	}{UpstreamStatus: st}
	if last, err := s.hub.Store().GetUpstream(); err == nil {
		resp.Last = last
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("read upstream info", "err", err)
	}

	status := http.StatusOK
	if st.Error != "" || !st.Running {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, resp)
}

// writeEntity answers with the current view of id, which may have been
// untracked concurrently.
func (s *Server) writeEntity(w http.ResponseWriter, id string) {
	c, err := s.hub.Get(id)
	if err != nil {
		s.writeHubError(w, "get entity", err)
		return
	}
	s.writeJSON(w, http.StatusOK, entityView(c))
}

// writeHubError maps hub, entity and upstream errors to HTTP statuses.
func (s *Server) writeHubError(w http.ResponseWriter, op string, err error) {
	var (
		transportErr *hass.TransportError
		decodeErr    *hass.DecodeError
	)
	switch {
	case errors.Is(err, hub.ErrNotTracked):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hub.ErrAlreadyTracked):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, hub.ErrInvalidTracked), errors.Is(err, entity.ErrNotActionable):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &transportErr), errors.As(err, &decodeErr):
		s.logger.Warn(op+" failed upstream", "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
