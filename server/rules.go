package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/inboxd/observability"
	"github.com/hazyhaar/inboxd/routing"
)

func (s *Server) ownedRule(r *http.Request) (*routing.Rule, error) {
	rule, err := s.rules.Get(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		return nil, err
	}
	if rule == nil || rule.UserID != userID(r) {
		return nil, errNotFound
	}
	return rule, nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string            `json:"name"`
		Active       *bool             `json:"active"`
		Priority     int               `json:"priority"`
		Match        routing.MatchSpec `json:"match"`
		TargetType   string            `json:"targetType"`
		TargetConfig json.RawMessage   `json:"targetConfig"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule, err := s.rules.Create(r.Context(), routing.NewRuleInput{
		UserID:       userID(r),
		Name:         req.Name,
		Active:       active,
		Priority:     req.Priority,
		Match:        req.Match,
		TargetType:   req.TargetType,
		TargetConfig: req.TargetConfig,
	})
	if err != nil {
		writeError(w, 400, err)
		return
	}
	s.logRuleChange(r, rule.ID, "rule created")
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.ListByUser(r.Context(), userID(r))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"rules": rules, "count": len(rules)})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ownedRule(r)
	if err != nil {
		s.itemError(w, err)
		return
	}
	writeJSON(w, 200, rule)
}

func (s *Server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ownedRule(r)
	if err != nil {
		s.itemError(w, err)
		return
	}

	var req struct {
		Name         *string            `json:"name"`
		Active       *bool              `json:"active"`
		Priority     *int               `json:"priority"`
		Match        *routing.MatchSpec `json:"match"`
		TargetType   *string            `json:"targetType"`
		TargetConfig *json.RawMessage   `json:"targetConfig"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}

	updated, err := s.rules.Update(r.Context(), rule.ID, routing.RulePatch{
		Name:         req.Name,
		Active:       req.Active,
		Priority:     req.Priority,
		Match:        req.Match,
		TargetType:   req.TargetType,
		TargetConfig: req.TargetConfig,
	})
	if err != nil {
		writeError(w, 400, err)
		return
	}
	if updated == nil {
		s.itemError(w, errNotFound)
		return
	}
	s.logRuleChange(r, rule.ID, "rule updated")
	writeJSON(w, 200, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ownedRule(r)
	if err != nil {
		s.itemError(w, err)
		return
	}
	ok, err := s.rules.Delete(r.Context(), rule.ID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if !ok {
		s.itemError(w, errNotFound)
		return
	}
	s.logRuleChange(r, rule.ID, "rule deleted")
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) logRuleChange(r *http.Request, ruleID, action string) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(r.Context(), observability.BusinessEvent{
		EventType:  observability.EventRuleChanged,
		EntityType: "rule",
		EntityID:   ruleID,
		UserID:     userID(r),
		Action:     action,
		Success:    true,
	})
}
