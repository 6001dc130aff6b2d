package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sonet-app/timeline/internal/fanout"
	"github.com/sonet-app/timeline/internal/hub"
	"github.com/sonet-app/timeline/internal/note"
	"github.com/sonet-app/timeline/internal/timeline"
)

// HealthProbes are the liveness checks composed into /health. Nil probes
// are skipped.
type HealthProbes struct {
	Cache func(ctx context.Context) error
	Prefs func(ctx context.Context) error
}

// Handlers holds the request handlers and their collaborators.
type Handlers struct {
	svc       *timeline.Service
	hub       *hub.Hub
	worker    *fanout.Worker
	metrics   *MetricsRegistry
	probes    HealthProbes
	version   string
	startTime time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(svc *timeline.Service, h *hub.Hub, w *fanout.Worker, m *MetricsRegistry, probes HealthProbes, version string) *Handlers {
	return &Handlers{
		svc:       svc,
		hub:       h,
		worker:    w,
		metrics:   m,
		probes:    probes,
		version:   version,
		startTime: time.Now(),
	}
}

// metadataFrom parses the caller context and per-request overrides out of
// the headers. Malformed override values are ignored rather than rejected.
func metadataFrom(r *http.Request) timeline.Metadata {
	meta := timeline.Metadata{
		CallerID:  r.Header.Get("X-Caller-ID"),
		Admin:     r.Header.Get("X-Admin") == "true",
		AuthToken: r.Header.Get("X-Auth-Token"),
	}

	if v := r.Header.Get("X-Rate-RPM"); v != "" {
		if rpm, err := strconv.Atoi(v); err == nil {
			meta.Overrides.RateRPM = rpm
		}
	}
	if v := r.Header.Get("X-Discovery-Share"); v != "" {
		if share, err := strconv.ParseFloat(v, 64); err == nil {
			meta.Overrides.DiscoveryShare = &share
		}
	}
	if v := r.Header.Get("X-Use-Overdrive"); v != "" {
		use := v == "true"
		meta.Overrides.UseOverdrive = &use
	}
	if v := r.Header.Get("X-URL-TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			meta.Overrides.URLTTL = time.Duration(secs) * time.Second
		}
	}

	for _, src := range timeline.MergeOrder {
		name := string(src)
		if v := r.Header.Get("X-AB-" + name + "-Weight"); v != "" {
			if weight, err := strconv.ParseFloat(v, 64); err == nil {
				if meta.Overrides.ABWeights == nil {
					meta.Overrides.ABWeights = make(map[timeline.Source]float64)
				}
				meta.Overrides.ABWeights[src] = weight
			}
		}
		if v := r.Header.Get("X-Cap-" + name); v != "" {
			if limit, err := strconv.Atoi(v); err == nil {
				if meta.Overrides.Caps == nil {
					meta.Overrides.Caps = make(map[timeline.Source]int)
				}
				meta.Overrides.Caps[src] = limit
			}
		}
	}

	return meta
}

func pageFrom(r *http.Request) timeline.Pagination {
	var page timeline.Pagination
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		if off, err := strconv.Atoi(v); err == nil {
			page.Offset = off
		}
	}
	if v := q.Get("limit"); v != "" {
		if lim, err := strconv.Atoi(v); err == nil {
			page.Limit = lim
		}
	}
	return page
}

// GetTimeline serves GET /v1/timeline/{viewer_id}.
func (h *Handlers) GetTimeline(w http.ResponseWriter, r *http.Request) {
	req := timeline.GetTimelineRequest{
		ViewerID:       mux.Vars(r)["viewer_id"],
		Algorithm:      timeline.Algorithm(r.URL.Query().Get("algorithm")),
		Page:           pageFrom(r),
		IncludeSignals: r.URL.Query().Get("include_signals") == "true",
		Meta:           metadataFrom(r),
	}
	resp, err := h.svc.GetTimeline(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetForYouTimeline serves GET /v1/timeline/{viewer_id}/foryou.
func (h *Handlers) GetForYouTimeline(w http.ResponseWriter, r *http.Request) {
	req := timeline.GetTimelineRequest{
		ViewerID:       mux.Vars(r)["viewer_id"],
		Page:           pageFrom(r),
		IncludeSignals: r.URL.Query().Get("include_signals") == "true",
		Meta:           metadataFrom(r),
	}
	resp, err := h.svc.GetForYouTimeline(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetFollowingTimeline serves GET /v1/timeline/{viewer_id}/following.
func (h *Handlers) GetFollowingTimeline(w http.ResponseWriter, r *http.Request) {
	req := timeline.GetTimelineRequest{
		ViewerID:       mux.Vars(r)["viewer_id"],
		Page:           pageFrom(r),
		IncludeSignals: r.URL.Query().Get("include_signals") == "true",
		Meta:           metadataFrom(r),
	}
	resp, err := h.svc.GetFollowingTimeline(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUserTimeline serves GET /v1/users/{user_id}/timeline.
func (h *Handlers) GetUserTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := timeline.UserTimelineRequest{
		TargetID:       mux.Vars(r)["user_id"],
		Page:           pageFrom(r),
		IncludeReplies: q.Get("include_replies") == "true",
		IncludeReposts: q.Get("include_reposts") != "false",
		Meta:           metadataFrom(r),
	}
	resp, err := h.svc.GetUserTimeline(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type refreshBody struct {
	Since    *time.Time `json:"since,omitempty"`
	MaxItems int        `json:"max_items,omitempty"`
}

// RefreshTimeline serves POST /v1/timeline/{viewer_id}/refresh.
func (h *Handlers) RefreshTimeline(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	req := timeline.RefreshRequest{
		ViewerID: mux.Vars(r)["viewer_id"],
		MaxItems: body.MaxItems,
		Meta:     metadataFrom(r),
	}
	if body.Since != nil {
		req.Since = *body.Since
	}
	resp, err := h.svc.RefreshTimeline(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type markReadBody struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// MarkTimelineRead serves POST /v1/timeline/{viewer_id}/read.
func (h *Handlers) MarkTimelineRead(w http.ResponseWriter, r *http.Request) {
	var body markReadBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	ts := time.Now().UTC()
	if body.Timestamp != nil {
		ts = *body.Timestamp
	}
	lastRead, err := h.svc.MarkTimelineRead(r.Context(), mux.Vars(r)["viewer_id"], ts, metadataFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"last_read_at": lastRead})
}

// GetPreferences serves GET /v1/timeline/{viewer_id}/preferences.
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.svc.GetPreferences(r.Context(), mux.Vars(r)["viewer_id"], metadataFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences serves PUT /v1/timeline/{viewer_id}/preferences.
func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs timeline.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.svc.UpdatePreferences(r.Context(), mux.Vars(r)["viewer_id"], prefs, metadataFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type muteBody struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// AddMute serves POST /v1/timeline/{viewer_id}/mutes.
func (h *Handlers) AddMute(w http.ResponseWriter, r *http.Request) {
	h.applyMute(w, r, true)
}

// RemoveMute serves DELETE /v1/timeline/{viewer_id}/mutes.
func (h *Handlers) RemoveMute(w http.ResponseWriter, r *http.Request) {
	h.applyMute(w, r, false)
}

func (h *Handlers) applyMute(w http.ResponseWriter, r *http.Request, add bool) {
	var body muteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == "" {
		writeErrorMessage(w, http.StatusBadRequest, "mute requires type and value")
		return
	}
	viewerID := mux.Vars(r)["viewer_id"]
	meta := metadataFrom(r)

	var err error
	switch body.Type {
	case "author":
		if add {
			err = h.svc.MuteAuthor(r.Context(), viewerID, body.Value, meta)
		} else {
			err = h.svc.UnmuteAuthor(r.Context(), viewerID, body.Value, meta)
		}
	case "keyword":
		if add {
			err = h.svc.MuteKeyword(r.Context(), viewerID, body.Value, meta)
		} else {
			err = h.svc.UnmuteKeyword(r.Context(), viewerID, body.Value, meta)
		}
	default:
		writeErrorMessage(w, http.StatusBadRequest, "mute type must be author or keyword")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type engagementBody struct {
	ViewerID   string   `json:"viewer_id"`
	NoteID     string   `json:"note_id"`
	AuthorID   string   `json:"author_id,omitempty"`
	Action     string   `json:"action"`
	Hashtags   []string `json:"hashtags,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
}

// RecordEngagement serves POST /v1/engagements.
func (h *Handlers) RecordEngagement(w http.ResponseWriter, r *http.Request) {
	var body engagementBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req := timeline.EngagementRequest{
		ViewerID:   body.ViewerID,
		NoteID:     body.NoteID,
		AuthorID:   body.AuthorID,
		Action:     timeline.EngagementAction(body.Action),
		Hashtags:   body.Hashtags,
		DurationMS: body.DurationMS,
		Meta:       metadataFrom(r),
	}
	if err := h.svc.RecordEngagement(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type noteEventBody struct {
	Kind     string     `json:"kind"`
	Note     *note.Note `json:"note,omitempty"`
	NoteID   string     `json:"note_id,omitempty"`
	AuthorID string     `json:"author_id,omitempty"`
}

// NoteEvent serves POST /v1/events/notes: note lifecycle notifications from
// the note service, accepted for asynchronous fan-out.
func (h *Handlers) NoteEvent(w http.ResponseWriter, r *http.Request) {
	var body noteEventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var accepted bool
	switch timeline.EventKind(body.Kind) {
	case timeline.EventNoteCreated:
		if body.Note == nil {
			writeErrorMessage(w, http.StatusBadRequest, "note_created requires a note")
			return
		}
		accepted = h.svc.NotifyNoteCreated(*body.Note)
	case timeline.EventNoteUpdated:
		if body.Note == nil {
			writeErrorMessage(w, http.StatusBadRequest, "note_updated requires a note")
			return
		}
		accepted = h.svc.NotifyNoteUpdated(*body.Note)
	case timeline.EventNoteDeleted:
		if body.NoteID == "" || body.AuthorID == "" {
			writeErrorMessage(w, http.StatusBadRequest, "note_deleted requires note_id and author_id")
			return
		}
		accepted = h.svc.NotifyNoteDeleted(body.NoteID, body.AuthorID)
	default:
		writeErrorMessage(w, http.StatusBadRequest, "unknown event kind")
		return
	}

	if !accepted {
		writeErrorMessage(w, http.StatusServiceUnavailable, "event queue saturated")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type followEventBody struct {
	FollowerID string `json:"follower_id"`
	FolloweeID string `json:"followee_id"`
	Followed   bool   `json:"followed"`
}

// FollowEvent serves POST /v1/events/follows.
func (h *Handlers) FollowEvent(w http.ResponseWriter, r *http.Request) {
	var body followEventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.FollowerID == "" || body.FolloweeID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "follow event requires follower_id and followee_id")
		return
	}
	if !h.svc.NotifyFollowChanged(body.FollowerID, body.FolloweeID, body.Followed) {
		writeErrorMessage(w, http.StatusServiceUnavailable, "event queue saturated")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status         string                 `json:"status"`
	Timestamp      time.Time              `json:"timestamp"`
	Uptime         string                 `json:"uptime"`
	Version        string                 `json:"version"`
	Checks         map[string]healthCheck `json:"checks"`
	StreamSessions int                    `json:"stream_sessions"`
	FanoutDepth    int                    `json:"fanout_queue_depth"`
	CacheHitRatio  float64                `json:"cache_hit_ratio"`
	Goroutines     int                    `json:"num_goroutines"`
}

// Health serves GET /health. Degraded dependencies report 200 with status
// "degraded" so orchestrators do not restart a partially working service.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]healthCheck)
	status := "healthy"

	runProbe := func(name string, probe func(ctx context.Context) error) {
		if probe == nil {
			return
		}
		if err := probe(ctx); err != nil {
			checks[name] = healthCheck{Status: "fail", Message: err.Error()}
			status = "degraded"
			return
		}
		checks[name] = healthCheck{Status: "pass"}
	}
	runProbe("cache", h.probes.Cache)
	runProbe("preferences", h.probes.Prefs)

	resp := healthResponse{
		Status:         status,
		Timestamp:      time.Now().UTC(),
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		Version:        h.version,
		Checks:         checks,
		StreamSessions: h.hub.SessionCount(),
		FanoutDepth:    h.worker.Depth(),
		CacheHitRatio:  h.metrics.HitRatio(),
		Goroutines:     runtime.NumGoroutine(),
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, resp)
}

// NotFound answers unmatched routes in the API's JSON shape.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeErrorMessage(w, http.StatusNotFound, "route not found")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

// writeError maps domain sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, timeline.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, timeline.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, timeline.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, timeline.ErrRateLimited):
		status = http.StatusTooManyRequests
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		log.Error().Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		msg = "internal error"
	}
	writeErrorMessage(w, status, msg)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
