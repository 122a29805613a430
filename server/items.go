package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/inboxd/inbox"
	"github.com/hazyhaar/inboxd/observability"
	"github.com/hazyhaar/inboxd/pipeline"
	"github.com/hazyhaar/inboxd/progress"
)

var errNotFound = errors.New("not found")

// ownedItem loads an item and checks ownership. A foreign item is reported
// exactly like a missing one.
func (s *Server) ownedItem(r *http.Request) (*inbox.Item, error) {
	item, err := s.items.Get(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		return nil, err
	}
	if item == nil || item.UserID != userID(r) {
		return nil, errNotFound
	}
	return item, nil
}

func validContentType(ct inbox.ContentType) bool {
	switch ct {
	case inbox.ContentText, inbox.ContentMarkdown, inbox.ContentHTML, inbox.ContentURL:
		return true
	}
	return false
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
		Source      string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Content == "" {
		writeError(w, 400, errors.New("content is required"))
		return
	}
	ct := inbox.ContentType(req.ContentType)
	if ct == "" {
		ct = inbox.ContentText
	}
	if !validContentType(ct) {
		writeError(w, 400, fmt.Errorf("unsupported contentType %q", req.ContentType))
		return
	}

	item, err := s.items.Create(r.Context(), inbox.NewItemInput{
		UserID:          userID(r),
		OriginalContent: req.Content,
		ContentType:     ct,
		Source:          req.Source,
	})
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if s.events != nil {
		s.events.ItemEvent(r.Context(), observability.EventItemReceived,
			item.ID, item.UserID, "item created", true)
	}

	s.orch.TriggerClassification(item.ID)
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.items.List(r.Context(), inbox.ListFilter{
		UserID:        userID(r),
		Status:        inbox.Status(q.Get("status")),
		RoutingStatus: inbox.RoutingStatus(q.Get("routingStatus")),
		Category:      q.Get("category"),
		Limit:         queryInt(r, "limit", 50),
		Offset:        queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.ownedItem(r)
	if err != nil {
		s.itemError(w, err)
		return
	}
	writeJSON(w, 200, item)
}

// handlePatchItem edits the item's content or its manual status. A content
// edit restarts the whole pipeline: both sub-states reset to pending and a
// new classification cycle starts, which supersedes any run in flight.
func (s *Server) handlePatchItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.ownedItem(r)
	if err != nil {
		s.itemError(w, err)
		return
	}

	var req struct {
		Content     *string `json:"content"`
		ContentType *string `json:"contentType"`
		Status      *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}

	var patch inbox.ItemPatch
	if req.Status != nil {
		st := inbox.Status(*req.Status)
		switch st {
		case inbox.StatusManual, inbox.StatusArchived, inbox.StatusPending:
		default:
			writeError(w, 400, fmt.Errorf("status %q cannot be set directly", st))
			return
		}
		patch.Status = &st
	}
	reclassify := false
	if req.Content != nil {
		if *req.Content == "" {
			writeError(w, 400, errors.New("content cannot be empty"))
			return
		}
		patch.OriginalContent = req.Content
		st := inbox.StatusPending
		rt := inbox.RoutingPending
		patch.Status = &st
		patch.RoutingStatus = &rt
		reclassify = true
	}
	if req.ContentType != nil {
		ct := inbox.ContentType(*req.ContentType)
		if !validContentType(ct) {
			writeError(w, 400, fmt.Errorf("unsupported contentType %q", ct))
			return
		}
		patch.ContentType = &ct
	}

	updated, err := s.items.Update(r.Context(), item.ID, patch)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if updated == nil {
		s.itemError(w, errNotFound)
		return
	}
	if reclassify {
		s.orch.TriggerClassification(updated.ID)
	}
	writeJSON(w, 200, updated)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.ownedItem(r)
	if err != nil {
		s.itemError(w, err)
		return
	}

	// Invalidate any in-flight run and detach live subscribers before the
	// row disappears.
	s.tokens.Issue(item.ID)
	s.tokens.Evict(item.ID)
	s.progress.CloseItem(item.ID)

	ok, err := s.items.Delete(r.Context(), item.ID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if !ok {
		s.itemError(w, errNotFound)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) handleRedistribute(w http.ResponseWriter, r *http.Request) {
	item, err := s.ownedItem(r)
	if err != nil {
		s.itemError(w, err)
		return
	}
	if err := s.orch.Redistribute(r.Context(), item.ID); err != nil {
		s.itemError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	item, err := s.ownedItem(r)
	if err != nil {
		s.itemError(w, err)
		return
	}
	if err := s.orch.Cancel(r.Context(), item.ID); err != nil {
		var nc *pipeline.ErrNotCancellable
		if errors.As(err, &nc) {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.itemError(w, err)
		return
	}
	if s.events != nil {
		s.events.ItemEvent(r.Context(), observability.EventItemCancelled,
			item.ID, item.UserID, "distribution cancelled", true)
	}
	writeJSON(w, 200, map[string]string{"status": "cancelled"})
}

// handleItemEvents attaches the client to the item's SSE progress stream.
// The current persisted state is pushed to this connection only, as an
// item.snapshot event; everything after that is live.
func (s *Server) handleItemEvents(w http.ResponseWriter, r *http.Request) {
	item, err := s.ownedItem(r)
	if err != nil {
		s.itemError(w, err)
		return
	}

	connID, done, err := s.progress.Subscribe(item.ID, item.UserID, w)
	if err != nil {
		writeError(w, 500, err)
		return
	}

	snapshot := map[string]any{
		"status":        item.Status,
		"routingStatus": item.RoutingStatus,
		"category":      item.Category,
	}
	if item.Confidence != nil {
		snapshot["confidence"] = *item.Confidence
	}
	if item.Summary != "" {
		snapshot["summary"] = item.Summary
	}
	if len(item.DistributedTargets) > 0 {
		snapshot["distributedTargets"] = item.DistributedTargets
	}
	if err := s.progress.Send(item.ID, connID, progress.NewEvent(progress.EventSnapshot, item.ID, snapshot)); err != nil {
		s.progress.Unsubscribe(item.ID, connID)
		return
	}

	select {
	case <-r.Context().Done():
		s.progress.Unsubscribe(item.ID, connID)
	case <-done:
	}
}

func (s *Server) itemError(w http.ResponseWriter, err error) {
	var nf *pipeline.ErrItemNotFound
	if errors.Is(err, errNotFound) || errors.As(err, &nf) {
		writeError(w, 404, errNotFound)
		return
	}
	writeError(w, 500, err)
}
