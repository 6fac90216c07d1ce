package api

import (
	"errors"
	"net/http"

	"github.com/acmcyber/instancer/internal/catalog"
	"github.com/acmcyber/instancer/internal/challenge"
	"github.com/acmcyber/instancer/internal/engine"
)

// deploymentJSON is the wire form of a running instance.
type deploymentJSON struct {
	Expiration int64 `json:"expiration"`
	// StartDelay is the number of seconds until the instance is expected to
	// be ready, 0 once booted.
	StartDelay   int64             `json:"start_delay"`
	Host         string            `json:"host"`
	PortMappings challenge.PortMap `json:"port_mappings"`
}

// challengeJSON is the wire form of a catalog entry.
type challengeJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Author      string          `json:"author"`
	Tags        []challenge.Tag `json:"tags"`
	PerTeam     bool            `json:"per_team"`
	Lifetime    int64           `json:"lifetime"`
	BootTime    int64           `json:"boot_time"`

	Deployment *deploymentJSON `json:"deployment"`
}

func (s *Server) deploymentJSON(d *engine.Deployment) *deploymentJSON {
	if d == nil {
		return nil
	}
	delay := d.StartTimestamp - s.clock().Unix()
	if delay < 0 {
		delay = 0
	}
	ports := d.PortMappings
	if ports == nil {
		ports = challenge.PortMap{}
	}
	return &deploymentJSON{
		Expiration:   d.Expiration,
		StartDelay:   delay,
		Host:         s.challengeHost,
		PortMappings: ports,
	}
}

func (s *Server) entryJSON(r *http.Request, entry catalog.Entry) (challengeJSON, error) {
	ch := entry.Challenge
	dep, err := s.engine.DeploymentStatus(r.Context(), ch)
	if err != nil {
		return challengeJSON{}, err
	}
	tags := entry.Tags
	if tags == nil {
		tags = []challenge.Tag{}
	}
	return challengeJSON{
		ID:          ch.ID,
		Name:        ch.Metadata.Name,
		Description: ch.Metadata.Description,
		Author:      ch.Metadata.Author,
		Tags:        tags,
		PerTeam:     ch.PerTeam,
		Lifetime:    ch.Lifetime,
		BootTime:    ch.BootTime,
		Deployment:  s.deploymentJSON(dep),
	}, nil
}

// handleList returns every challenge with the caller's deployment state.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, teamID string) {
	entries, err := s.catalog.FetchAll(r.Context(), teamID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	challenges := make([]challengeJSON, 0, len(entries))
	for _, entry := range entries {
		cj, err := s.entryJSON(r, entry)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		challenges = append(challenges, cj)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": StatusOK, "challenges": challenges})
}

// handleInfo returns one challenge with the caller's deployment state.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, teamID string) {
	ch, ok := s.fetchChallenge(w, r, teamID)
	if !ok {
		return
	}
	tags, err := s.catalog.Tags(r.Context(), ch.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	cj, err := s.entryJSON(r, catalog.Entry{Challenge: ch, Tags: tags})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": StatusOK, "challenge": cj})
}

// handleDeploy starts or renews the caller's instance.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request, teamID string) {
	ch, ok := s.fetchChallenge(w, r, teamID)
	if !ok {
		return
	}

	err := s.engine.Start(r.Context(), ch)
	if errors.Is(err, engine.ErrResourceUnavailable) {
		s.writeStatus(w, http.StatusServiceUnavailable, StatusTemporarilyUnavailable,
			"instance is busy, try again in a moment")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	dep, err := s.engine.DeploymentStatus(r.Context(), ch)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     StatusOK,
		"deployment": s.deploymentJSON(dep),
	})
}

// handleDeploymentStatus reports the caller's instance, or a null deployment
// when none is running.
func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request, teamID string) {
	ch, ok := s.fetchChallenge(w, r, teamID)
	if !ok {
		return
	}
	dep, err := s.engine.DeploymentStatus(r.Context(), ch)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     StatusOK,
		"deployment": s.deploymentJSON(dep),
	})
}

// handleTerminate stops the caller's instance. Shared instances are refused:
// one team must not be able to take a challenge away from everyone else.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request, teamID string) {
	ch, ok := s.fetchChallenge(w, r, teamID)
	if !ok {
		return
	}
	if ch.IsShared() {
		s.writeStatus(w, http.StatusForbidden, StatusForbidden,
			"shared challenges cannot be terminated by teams")
		return
	}
	if err := s.engine.Stop(r.Context(), ch); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeStatus(w, http.StatusOK, StatusOK, "")
}

// fetchChallenge resolves the {id} path value into the caller's challenge
// variant, writing the error envelope itself on failure.
func (s *Server) fetchChallenge(w http.ResponseWriter, r *http.Request, teamID string) (*challenge.Challenge, bool) {
	id := r.PathValue("id")
	if !challenge.ValidID(id) {
		s.writeStatus(w, http.StatusBadRequest, StatusInvalidChallengeID, "malformed challenge id")
		return nil, false
	}
	ch, err := s.catalog.Fetch(r.Context(), id, teamID)
	if err != nil {
		s.internalError(w, r, err)
		return nil, false
	}
	if ch == nil {
		s.writeStatus(w, http.StatusNotFound, StatusChallengeNotFound, "no such challenge")
		return nil, false
	}
	return ch, true
}
