// Package httpapi exposes the engine's consumer-facing HTTP/JSON surface.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/dpc/rostra"
	"github.com/dpc/rostra/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// APIVersion every request must assert through VersionHeader.
	APIVersion    = "0"
	VersionHeader = "X-Rostra-Api-Version"
	SecretHeader  = "X-Rostra-Id-Secret"

	defaultPageSize = 20
	maxPageSize     = 100
)

// Server serves the HTTP/JSON API over one engine instance.
type Server struct {
	db  *store.Database
	log zerolog.Logger
	mux *http.ServeMux
}

func New(db *store.Database, log zerolog.Logger) *Server {
	s := &Server{
		db:  db,
		log: log,
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /api/generate-id", s.handleGenerateID)
	s.mux.HandleFunc("GET /api/{id}/heads", s.handleHeads)
	s.mux.HandleFunc("POST /api/{id}/publish-social-post-managed", s.handlePublishPost)
	s.mux.HandleFunc("POST /api/{id}/update-social-profile-managed", s.handleUpdateProfile)
	s.mux.HandleFunc("POST /api/{id}/follow-managed", s.handleFollow)
	s.mux.HandleFunc("POST /api/{id}/unfollow-managed", s.handleUnfollow)
	s.mux.HandleFunc("GET /api/{id}/followees", s.handleFollowees)
	s.mux.HandleFunc("GET /api/{id}/followers", s.handleFollowers)
	s.mux.HandleFunc("GET /api/{id}/notifications", s.handleNotifications)
	s.mux.HandleFunc("GET /api/{id}/following", s.handleTimelineFollowing)
	s.mux.HandleFunc("GET /api/{id}/network", s.handleTimelineNetwork)
	s.mux.HandleFunc("GET /api/{id}/missing", s.handleMissing)

	return s
}

// Handler wraps the routes with CORS, the version check and request
// logging.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = s.checkVersion(handler)
	handler = s.logRequests(handler)
	return cors.AllowAll().Handler(handler)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("api request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(VersionHeader) != APIVersion {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("missing or unsupported %s header", VersionHeader))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathID parses the {id} path segment.
func pathID(w http.ResponseWriter, r *http.Request) (rostra.RostraID, bool) {
	id, err := rostra.RostraIDFromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id: %s", err))
		return rostra.ZeroID, false
	}
	return id, true
}

// authSecret checks the write-authorization header against the path id.
func (s *Server) authSecret(w http.ResponseWriter, r *http.Request, id rostra.RostraID) (rostra.IDSecret, bool) {
	mnemonic := r.Header.Get(SecretHeader)
	if mnemonic == "" {
		writeError(w, http.StatusUnauthorized, fmt.Sprintf("missing %s header", SecretHeader))
		return rostra.IDSecret{}, false
	}
	sec, err := rostra.IDSecretFromMnemonic(mnemonic)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid secret: %s", err))
		return rostra.IDSecret{}, false
	}
	if sec.RostraID() != id {
		writeError(w, http.StatusForbidden, "secret does not match id")
		return rostra.IDSecret{}, false
	}
	return sec, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return false
	}
	return true
}

func (s *Server) writePublishResult(w http.ResponseWriter, result store.PublishResult, err error) {
	switch {
	case errors.Is(err, store.ErrStaleHead):
		writeError(w, http.StatusConflict, "stale head")
	case err != nil:
		s.log.Error().Err(err).Msg("publish failed")
		writeError(w, http.StatusInternalServerError, "publish failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"event_id": result.EventID,
			"heads":    result.Heads,
		})
	}
}

func (s *Server) handleGenerateID(w http.ResponseWriter, r *http.Request) {
	sec := rostra.GenerateIDSecret()
	writeJSON(w, http.StatusOK, map[string]string{
		"rostra_id":        sec.RostraID().String(),
		"rostra_id_secret": sec.Mnemonic(),
	})
}

func (s *Server) handleHeads(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	heads, err := s.db.Heads(id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"heads": heads})
}

func (s *Server) handlePublishPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sec, ok := s.authSecret(w, r, id)
	if !ok {
		return
	}

	var req struct {
		ParentHeadID *rostra.EventID `json:"parent_head_id"`
		Content      string          `json:"content"`
		PersonaTags  []string        `json:"persona_tags,omitempty"`
		ReplyTo      *rostra.ReplyTo `json:"reply_to,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	parent := rostra.ZeroEventID
	if req.ParentHeadID != nil {
		parent = *req.ParentHeadID
	}
	post := rostra.SocialPost{
		Content: req.Content,
		ReplyTo: req.ReplyTo,
	}
	if len(req.PersonaTags) > 0 {
		post.PersonaTag = req.PersonaTags[0]
	}

	result, err := s.db.PublishSocialPost(sec, parent, post)
	s.writePublishResult(w, result, err)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sec, ok := s.authSecret(w, r, id)
	if !ok {
		return
	}

	var req rostra.ProfileUpdate
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.db.PublishProfileUpdate(sec, req)
	s.writePublishResult(w, result, err)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sec, ok := s.authSecret(w, r, id)
	if !ok {
		return
	}

	var req struct {
		Followee    rostra.RostraID   `json:"followee"`
		FilterMode  rostra.FollowMode `json:"filter_mode,omitempty"`
		PersonaTags []string          `json:"persona_tags,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FilterMode == "" {
		req.FilterMode = rostra.FollowModeExcept
	}

	result, err := s.db.PublishFollow(sec, rostra.Follow{
		Followee: req.Followee,
		Mode:     req.FilterMode,
		Tags:     req.PersonaTags,
	})
	s.writePublishResult(w, result, err)
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sec, ok := s.authSecret(w, r, id)
	if !ok {
		return
	}

	var req struct {
		Followee rostra.RostraID `json:"followee"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.db.PublishUnfollow(sec, rostra.Unfollow{Followee: req.Followee})
	s.writePublishResult(w, result, err)
}

func (s *Server) handleFollowees(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	followees, err := s.db.Followees(id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"followees": followees})
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	followers, err := s.db.Followers(id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"followers": followers})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cursor, ok := parseNotificationCursor(w, r)
	if !ok {
		return
	}
	items, next, err := s.db.Notifications(id, cursor, pageSize(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := map[string]any{"notifications": items}
	if next != nil {
		resp["next_cursor"] = fmt.Sprintf("%d-%d", next.Ts, next.Seq)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimelineFollowing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cursor, ok := parseTimelineCursor(w, r)
	if !ok {
		return
	}
	items, next, err := s.db.TimelineFollowing(id, cursor, pageSize(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeTimeline(w, items, next)
}

func (s *Server) handleTimelineNetwork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cursor, ok := parseTimelineCursor(w, r)
	if !ok {
		return
	}
	items, next, err := s.db.TimelineNetwork(id, cursor, pageSize(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeTimeline(w, items, next)
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	missing, err := s.db.MissingEvents(id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": missing})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("api request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeTimeline(w http.ResponseWriter, items []store.TimelineItem, next *store.TimelineCursor) {
	resp := map[string]any{"items": items}
	if next != nil {
		resp["next_cursor"] = fmt.Sprintf("%d-%s", next.Ts, next.EventID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func pageSize(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func parseTimelineCursor(w http.ResponseWriter, r *http.Request) (*store.TimelineCursor, bool) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return nil, true
	}
	ts, rest, ok := strings.Cut(raw, "-")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return nil, false
	}
	tsNum, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return nil, false
	}
	eventID, err := rostra.EventIDFromHex(rest)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return nil, false
	}
	return &store.TimelineCursor{Ts: rostra.Timestamp(tsNum), EventID: eventID}, true
}

func parseNotificationCursor(w http.ResponseWriter, r *http.Request) (*store.NotificationCursor, bool) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return nil, true
	}
	ts, rest, ok := strings.Cut(raw, "-")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return nil, false
	}
	tsNum, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return nil, false
	}
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return nil, false
	}
	return &store.NotificationCursor{Ts: rostra.Timestamp(tsNum), Seq: seq}, true
}
