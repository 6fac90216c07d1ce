package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/acmcyber/instancer/internal/catalog"
	"github.com/acmcyber/instancer/internal/challenge"
)

// adminChallenge is the admin wire form of a challenge definition, used both
// for create requests and get responses.
type adminChallenge struct {
	ID              string           `json:"id"`
	Cfg             challenge.Config `json:"cfg"`
	PerTeam         bool             `json:"per_team"`
	Lifetime        int64            `json:"lifetime"`
	BootTime        int64            `json:"boot_time"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Author          string           `json:"author"`
	Tags            []challenge.Tag  `json:"tags"`
	ReplaceExisting bool             `json:"replace_existing,omitempty"`
}

// handleAdminCreate uploads a new challenge. With replace_existing the upload
// atomically deletes and recreates a duplicate ID instead of failing.
func (s *Server) handleAdminCreate(w http.ResponseWriter, r *http.Request) {
	var req adminChallenge
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidRequest, "malformed request body")
		return
	}

	if !challenge.ValidID(req.ID) {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidChallengeID, "malformed challenge id")
		return
	}
	if err := challenge.ValidateTimes(req.Lifetime, req.BootTime); err != nil {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidConfig, err.Error())
		return
	}
	if err := req.Cfg.Validate(); err != nil {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidConfig, err.Error())
		return
	}

	replaced, err := s.catalog.Create(r.Context(), catalog.CreateParams{
		ID:              req.ID,
		PerTeam:         req.PerTeam,
		Cfg:             req.Cfg,
		Lifetime:        req.Lifetime,
		BootTime:        req.BootTime,
		Metadata:        challenge.Metadata{Name: req.Name, Description: req.Description, Author: req.Author},
		Tags:            req.Tags,
		ReplaceExisting: req.ReplaceExisting,
	})
	if errors.Is(err, catalog.ErrDuplicateID) {
		s.writeStatus(w, http.StatusConflict, StatusDuplicateChallengeID, "challenge id already exists")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.log.Info("challenge uploaded", "challenge", req.ID, "replaced", replaced)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": StatusOK, "replaced": replaced})
}

// handleAdminGet returns the full stored definition, cfg included.
func (s *Server) handleAdminGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !challenge.ValidID(id) {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidChallengeID, "malformed challenge id")
		return
	}

	info, err := s.catalog.FetchInfo(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if info == nil {
		s.writeStatus(w, http.StatusNotFound, StatusChallengeNotFound, "no such challenge")
		return
	}
	tags, err := s.catalog.Tags(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if tags == nil {
		tags = []challenge.Tag{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": StatusOK,
		"challenge": adminChallenge{
			ID:          id,
			Cfg:         info.Cfg,
			PerTeam:     info.PerTeam,
			Lifetime:    info.Lifetime,
			BootTime:    info.BootTime,
			Name:        info.Name,
			Description: info.Description,
			Author:      info.Author,
			Tags:        tags,
		},
	})
}

// adminUpdate is the PUT body. Cfg and per_team are immutable after upload;
// changing them would desync instances already running from the old
// definition. Nil fields are left unchanged.
type adminUpdate struct {
	Lifetime    *int64           `json:"lifetime"`
	BootTime    *int64           `json:"boot_time"`
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Author      *string          `json:"author"`
	Tags        *[]challenge.Tag `json:"tags"`
}

// handleAdminUpdate edits the mutable fields of a stored challenge.
func (s *Server) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !challenge.ValidID(id) {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidChallengeID, "malformed challenge id")
		return
	}

	var req adminUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidRequest, "malformed request body")
		return
	}

	info, err := s.catalog.FetchInfo(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if info == nil {
		s.writeStatus(w, http.StatusNotFound, StatusChallengeNotFound, "no such challenge")
		return
	}

	p := catalog.UpdateParams{
		Lifetime: info.Lifetime,
		BootTime: info.BootTime,
		Metadata: info.Metadata(),
	}
	if req.Lifetime != nil {
		p.Lifetime = *req.Lifetime
	}
	if req.BootTime != nil {
		p.BootTime = *req.BootTime
	}
	if req.Name != nil {
		p.Metadata.Name = *req.Name
	}
	if req.Description != nil {
		p.Metadata.Description = *req.Description
	}
	if req.Author != nil {
		p.Metadata.Author = *req.Author
	}
	if err := challenge.ValidateTimes(p.Lifetime, p.BootTime); err != nil {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidConfig, err.Error())
		return
	}

	if err := s.catalog.Update(r.Context(), id, p); err != nil {
		s.internalError(w, r, err)
		return
	}
	if req.Tags != nil {
		if err := s.catalog.ReplaceTags(r.Context(), id, *req.Tags); err != nil {
			s.internalError(w, r, err)
			return
		}
	}

	s.log.Info("challenge updated", "challenge", id)
	s.writeStatus(w, http.StatusOK, StatusOK, "")
}

// handleAdminDelete removes a challenge definition. Running instances are not
// touched; the reaper collects them when their leases expire.
func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !challenge.ValidID(id) {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidChallengeID, "malformed challenge id")
		return
	}

	deleted, err := s.catalog.Delete(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !deleted {
		s.writeStatus(w, http.StatusNotFound, StatusChallengeNotFound, "no such challenge")
		return
	}

	s.log.Info("challenge deleted", "challenge", id)
	s.writeStatus(w, http.StatusOK, StatusOK, "")
}
