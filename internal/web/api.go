package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
	"github.com/mtzanidakis/postdeck/internal/credentials"
	"github.com/mtzanidakis/postdeck/internal/jobs"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
	"github.com/mtzanidakis/postdeck/internal/platform"
	"github.com/mtzanidakis/postdeck/internal/publisher"
	"github.com/mtzanidakis/postdeck/internal/schedule"
	"github.com/mtzanidakis/postdeck/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Cron trigger
	mux.HandleFunc("GET /api/cron/publish", s.cronPublish)
	mux.HandleFunc("POST /api/cron/publish", s.cronPublish)

	// Jobs
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.getJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.deleteJob)

	// Immediate publishing
	mux.HandleFunc("POST /api/post", s.postNow)
	mux.HandleFunc("GET /api/platforms", s.listPlatforms)
	mux.HandleFunc("GET /api/scans", s.listScans)

	// Credentials
	mux.HandleFunc("GET /api/credentials", s.listCredentials)
	mux.HandleFunc("PUT /api/credentials/{name}", s.setCredential)
	mux.HandleFunc("DELETE /api/credentials/{name}", s.deleteCredential)

	// Agent status
	mux.HandleFunc("GET /api/status/agents", s.getSwarmState)
	mux.HandleFunc("POST /api/status/agents", s.updateAgents)
	mux.HandleFunc("GET /api/status/agents/{id}", s.getAgentState)
	mux.HandleFunc("GET /api/status/stream", s.streamStatus)

	// System
	mux.HandleFunc("GET /api/health", s.health)
}

type cronResponse struct {
	Message   string                `json:"message"`
	Published int                   `json:"published"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	Results   []publisher.JobResult `json:"results"`
}

func (s *Server) cronPublish(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CronSecret != "" {
		token, ok := bearerToken(r)
		if !ok || !secretEqual(token, s.cfg.CronSecret) {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// A scan runs to completion even if the caller hangs up, so no job is
	// left half published.
	sum, err := s.scanner.Scan(context.WithoutCancel(r.Context()), "cron")
	if err != nil {
		slog.Error("cron scan failed", "error", err)
		jsonError(w, "scan failed", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, cronResponse{
		Message:   sum.Message(),
		Published: sum.Published,
		Failed:    sum.Failed,
		Skipped:   sum.Skipped,
		Results:   sum.Results,
	})
}

type postRequest struct {
	Content      string   `json:"content"`
	Platforms    []string `json:"platforms"`
	MediaURLs    []string `json:"media_urls"`
	ScheduledFor string   `json:"scheduled_for"`
}

func (p postRequest) platforms() []platform.Platform {
	out := make([]platform.Platform, 0, len(p.Platforms))
	for _, name := range p.Platforms {
		out = append(out, platform.Platform(name))
	}
	return out
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var (
		list []jobs.Job
		err  error
	)
	if q := r.URL.Query().Get("status"); q != "" {
		st := jobs.Status(q)
		if !st.Valid() {
			jsonError(w, fmt.Sprintf("unknown status %q", q), http.StatusBadRequest)
			return
		}
		list, err = s.jobs.ByStatus(r.Context(), st)
	} else {
		list, err = s.jobs.All(r.Context())
	}
	if err != nil {
		internalError(w, "failed to list jobs", err)
		return
	}

	now := s.now()
	out := make([]map[string]any, 0, len(list))
	for _, j := range list {
		out = append(out, jobToAPI(j, now))
	}
	jsonResponse(w, out)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body postRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	now := s.now()
	when, err := schedule.Parse(body.ScheduledFor, now)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Add(r.Context(), jobs.NewJob{
		Content:      body.Content,
		Platforms:    body.platforms(),
		MediaRefs:    body.MediaURLs,
		ScheduledFor: when.At,
	})
	if errors.Is(err, jobs.ErrInvalidJob) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		internalError(w, "failed to create job", err)
		return
	}

	slog.Info("job scheduled", "id", job.ID, "platforms", len(job.Platforms), "at", job.ScheduledFor, "kind", when.Kind)
	s.emit(natsbus.TopicEventsJob(job.ID), natsbus.EventJobCreated, job)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(jobToAPI(job, now))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, "failed to load job", err)
		return
	}
	jsonResponse(w, jobToAPI(job, s.now()))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.jobs.Delete(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, "failed to delete job", err)
		return
	}
	s.emit(natsbus.TopicEventsJob(id), natsbus.EventJobDeleted, map[string]string{"id": id})
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) postNow(w http.ResponseWriter, r *http.Request) {
	var body postRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	results, err := s.scanner.PublishNow(context.WithoutCancel(r.Context()), body.Content, body.platforms(), body.MediaURLs)
	if errors.Is(err, jobs.ErrInvalidJob) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		internalError(w, "failed to publish post", err)
		return
	}

	success := true
	for _, res := range results {
		if !res.Success {
			success = false
		}
	}
	jsonResponse(w, map[string]any{"success": success, "results": results})
}

func (s *Server) listPlatforms(w http.ResponseWriter, r *http.Request) {
	type platformStatus struct {
		Platform  platform.Platform `json:"platform"`
		Connected bool              `json:"connected"`
	}
	out := []platformStatus{}
	for _, p := range s.adapters.Platforms() {
		a, _ := s.adapters.Get(p)
		out = append(out, platformStatus{Platform: p, Connected: a.Connected(r.Context())})
	}
	jsonResponse(w, out)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 200 {
			jsonError(w, "limit must be between 1 and 200", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if s.scans == nil {
		jsonResponse(w, []store.ScanRun{})
		return
	}
	runs, err := s.scans.ListScanRuns(r.Context(), limit)
	if err != nil {
		internalError(w, "failed to list scans", err)
		return
	}
	if runs == nil {
		runs = []store.ScanRun{}
	}
	jsonResponse(w, runs)
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		jsonResponse(w, []credentials.Status{})
		return
	}
	list, err := s.creds.List(r.Context())
	if err != nil {
		internalError(w, "failed to list credentials", err)
		return
	}
	jsonResponse(w, list)
}

func (s *Server) setCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Value == "" {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}
	if s.creds == nil {
		jsonError(w, credentials.ErrNoVault.Error(), http.StatusConflict)
		return
	}

	err := s.creds.Set(r.Context(), r.PathValue("name"), body.Value)
	switch {
	case errors.Is(err, credentials.ErrUnknownName):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, credentials.ErrNoVault):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		internalError(w, "failed to save credential", err)
		return
	}
	jsonResponse(w, map[string]string{"status": "saved"})
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		jsonError(w, "credential not found", http.StatusNotFound)
		return
	}
	ok, err := s.creds.Delete(r.Context(), r.PathValue("name"))
	if err != nil {
		internalError(w, "failed to delete credential", err)
		return
	}
	if !ok {
		jsonError(w, "credential not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getSwarmState(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.GetState(r.Context())
	if err != nil {
		internalError(w, "failed to load agent status", err)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) getAgentState(w http.ResponseWriter, r *http.Request) {
	a, err := s.status.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, agentstatus.ErrNotFound) {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, "failed to load agent status", err)
		return
	}
	jsonResponse(w, a)
}

// statusUpdate is either one agent (agent_id plus patch fields) or a batch
// keyed by agent id.
type statusUpdate struct {
	AgentID string `json:"agent_id"`
	agentstatus.Patch
	Agents map[string]agentstatus.Patch `json:"agents"`
}

func (s *Server) updateAgents(w http.ResponseWriter, r *http.Request) {
	var body statusUpdate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if id, ok := workerFrom(r.Context()); ok {
		if len(body.Agents) > 0 || (body.AgentID != "" && body.AgentID != id) {
			jsonError(w, "worker token may only update agent "+id, http.StatusForbidden)
			return
		}
		body.AgentID = id
	}

	var (
		st  agentstatus.SwarmState
		err error
	)
	switch {
	case len(body.Agents) > 0:
		st, err = s.status.UpdateMany(r.Context(), body.Agents)
	case body.AgentID != "":
		st, err = s.status.Update(r.Context(), body.AgentID, body.Patch)
	default:
		jsonError(w, "agent_id or agents is required", http.StatusBadRequest)
		return
	}
	if errors.Is(err, agentstatus.ErrInvalid) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		internalError(w, "failed to update agent status", err)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    formatUptime(time.Since(s.startedAt)),
		"nats":      s.nats != nil,
		"ws":        s.hub.Clients(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) emit(topic, eventType string, payload any) {
	if s.nats == nil {
		return
	}
	if err := s.nats.PublishEvent(topic, eventType, payload); err != nil {
		slog.Warn("publish event failed", "topic", topic, "error", err)
	}
}

func jobToAPI(j jobs.Job, now time.Time) map[string]any {
	m := map[string]any{
		"id":                j.ID,
		"content":           j.Content,
		"platforms":         j.Platforms,
		"media_urls":        j.MediaRefs,
		"scheduled_for":     j.ScheduledFor,
		"scheduled_display": schedule.Describe(j.ScheduledFor, now),
		"status":            j.Status,
		"created_at":        j.CreatedAt,
		"results":           j.Results,
	}
	if j.PublishedAt != nil {
		m["published_at"] = *j.PublishedAt
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// internalError logs err and replies with msg only; store errors can carry
// paths and SQL.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	jsonError(w, msg, http.StatusInternalServerError)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
