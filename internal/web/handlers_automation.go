package web

import (
	"errors"
	"net/http"
	"slices"

	"hass-sync/internal/automation"
)

// AutomationView is a script plus whether its VM is currently live.
type AutomationView struct {
	*automation.Script
	Running bool `json:"running"`
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return false
	}
	return true
}

func (s *Server) running() []string {
	if s.autoEngine == nil {
		return nil
	}
	return s.autoEngine.Running()
}

func (s *Server) automationView(script *automation.Script, running []string) AutomationView {
	return AutomationView{Script: script, Running: slices.Contains(running, script.ID)}
}

// loadScript writes the error response itself and returns nil when the
// script cannot be loaded.
func (s *Server) loadScript(w http.ResponseWriter, id string) *automation.Script {
	script, err := s.scriptMgr.Get(id)
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil
	case err != nil:
		s.logger.Error("get script", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return script
}

// saveScript validates and persists script, then starts or stops its VM to
// match Enabled. It returns nil after writing an error response.
func (s *Server) saveScript(w http.ResponseWriter, op string, script *automation.Script) *automation.Script {
	if err := automation.CheckSyntax(script.LuaCode); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.logger.Error(op+" script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	if s.autoEngine != nil {
		if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
			s.logger.Error("reload script after "+op, "id", saved.ID, "err", err)
		}
	}
	return saved
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	views := []AutomationView{}
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, views)
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	running := s.running()
	for _, script := range scripts {
		views = append(views, s.automationView(script, running))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	if script := s.loadScript(w, r.PathValue("id")); script != nil {
		s.writeJSON(w, http.StatusOK, s.automationView(script, s.running()))
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	saved := s.saveScript(w, "create", &automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if saved != nil {
		s.writeJSON(w, http.StatusCreated, s.automationView(saved, s.running()))
	}
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	existing := s.loadScript(w, r.PathValue("id"))
	if existing == nil {
		return
	}
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if req.Name != "" {
		existing.Meta.Name = req.Name
	}
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	if saved := s.saveScript(w, "update", existing); saved != nil {
		s.writeJSON(w, http.StatusOK, s.automationView(saved, s.running()))
	}
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	script := s.loadScript(w, r.PathValue("id"))
	if script == nil {
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	if saved := s.saveScript(w, "toggle", script); saved != nil {
		s.writeJSON(w, http.StatusOK, s.automationView(saved, s.running()))
	}
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		if errors.Is(err, automation.ErrScriptNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAPIRunAutomation runs a saved script once; the id "_inline" runs the
// posted lua_code instead.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation engine not available")
		return
	}

	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		if !s.decodeBody(w, r, &req, false) {
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	if script := s.loadScript(w, id); script != nil {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(script.ID))
	}
}
