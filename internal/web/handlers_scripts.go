package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"hue-connector/internal/automation"
)

func (s *Server) scriptsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeError(w, http.StatusNotImplemented, "automations not available")
		return false
	}
	return true
}

// scriptView adds the running flag to a stored script.
type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) scriptViews(scripts ...*automation.Script) []scriptView {
	running := map[string]bool{}
	for _, id := range s.autoEngine.Running() {
		running[id] = true
	}
	views := make([]scriptView, len(scripts))
	for i, sc := range scripts {
		views[i] = scriptView{Script: sc, Running: running[sc.ID]}
	}
	return views
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, s.scriptViews(scripts...))
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.scriptViews(script)[0])
}

type saveScriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// handleAPISaveScript creates or replaces the script and reloads it.
func (s *Server) handleAPISaveScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}

	var req saveScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		ID: r.PathValue("id"),
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.logger.Error("save script", "err", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]any{"script": saved}
	if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
		s.logger.Warn("reload script after save", "id", saved.ID, "err", err)
		resp["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	s.autoEngine.StopScript(id)

	if err := s.scriptMgr.Delete(id); err != nil {
		if errors.Is(err, automation.ErrScriptNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("delete script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIReloadScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	if err := s.autoEngine.ReloadScript(r.PathValue("id")); err != nil {
		if errors.Is(err, automation.ErrScriptNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunScript runs a saved script once, or the posted lua_code when
// id is "_inline".
func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}

	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
}
