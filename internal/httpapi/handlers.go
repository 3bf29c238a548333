package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/gateway"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/orchestrator"
	"github.com/tutorloop/sync-server/internal/session"
)

// serverInfo is the capability document devices fetch before their
// first sync.
type serverInfo struct {
	APIVersion      string        `json:"apiVersion"`
	ProtocolVersion int           `json:"protocolVersion"`
	ServerTime      string        `json:"serverTime"`
	MaxBatchOps     int           `json:"maxBatchOps"`
	MaxPullLimit    int           `json:"maxPullLimit"`
	RateLimit       rateLimitInfo `json:"rateLimit"`
	Hints           syncHints     `json:"hints"`
}

// rateLimitInfo describes the push throttle applied per device on the
// socket.
type rateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	Burst         int `json:"burst"`
}

// syncHints provides recommendations for client behavior.
type syncHints struct {
	RecommendedBatch int `json:"recommendedBatch"`
	BackoffMs        int `json:"backoffMs"` // wait when throttled without an explicit retry hint
}

// Info handles GET /v1/sync/info. Unauthenticated so devices can
// discover limits before holding a token.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverInfo{
		APIVersion:      "1.0",
		ProtocolVersion: gateway.ProtocolVersion,
		ServerTime:      time.Now().UTC().Format(time.RFC3339Nano),
		MaxBatchOps:     s.Limits.MaxBatchOps,
		MaxPullLimit:    s.Limits.MaxPullLimit,
		RateLimit: rateLimitInfo{
			WindowSeconds: 60,
			MaxRequests:   s.Limits.PushPerMinute,
			Burst:         s.Limits.PushBurst,
		},
		Hints: syncHints{
			RecommendedBatch: s.Limits.MaxBatchOps / 2,
			BackoffMs:        1500,
		},
	})
}

type stateResponse struct {
	Epoch   uint64 `json:"epoch"`
	HeadSeq uint64 `json:"headSeq"`
}

// State handles GET /v1/sync/state. Devices poll it to detect a wipe
// (epoch bump) without opening a socket.
func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())

	epoch, err := s.Hub.Epoch(r.Context(), c.OwnerID)
	if err != nil {
		hubError(w, r, err, "failed to load owner state")
		return
	}
	head, err := s.Hub.HeadSeq(r.Context(), c.OwnerID)
	if err != nil {
		hubError(w, r, err, "failed to load owner state")
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{Epoch: epoch, HeadSeq: head})
}

type pullResponse struct {
	Entries   []op.Committed `json:"entries"`
	HasMore   bool           `json:"hasMore"`
	NextSince uint64         `json:"nextSince"`
}

// Pull handles GET /v1/sync/pull?since=&limit=. Same log page the
// PULL frame returns, for first sync over plain HTTP before a socket
// is up. Pass nextSince back as since to walk the log.
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	q := r.URL.Query()

	var since uint64
	if raw := q.Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	limit := parseLimit(q.Get("limit"), s.Limits.MaxPullLimit, s.Limits.MaxPullLimit)

	entries, more, err := s.Hub.Pull(r.Context(), c.OwnerID, since, limit)
	if err != nil {
		hubError(w, r, err, "pull failed")
		return
	}
	if entries == nil {
		entries = []op.Committed{}
	}

	next := since
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}

	writeJSON(w, http.StatusOK, pullResponse{
		Entries:   entries,
		HasMore:   more,
		NextSince: next,
	})
}

type enqueueRequest struct {
	Ops []op.Op `json:"ops"`
}

// Enqueue handles POST /v1/sync/queue. A device going offline posts
// the ops it could not push; they land in its queue and drain into
// the log on the next connect. Reposting after a partial failure is
// safe, the queue collapses duplicates by op ID.
func (s *Server) Enqueue(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Ops) == 0 {
		writeError(w, r, http.StatusBadRequest, "ops required")
		return
	}
	if len(req.Ops) > s.Limits.MaxBatchOps {
		writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("batch of %d exceeds limit %d", len(req.Ops), s.Limits.MaxBatchOps))
		return
	}

	for _, o := range req.Ops {
		if err := o.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("op %s invalid: %v", o.ID, err))
			return
		}
		if o.Owner != c.OwnerID {
			writeError(w, r, http.StatusForbidden, "op owner does not match token")
			return
		}
		if o.ID.Device != c.DeviceID {
			writeError(w, r, http.StatusForbidden, "op device does not match token")
			return
		}
		if err := s.Hub.EnqueueOffline(r.Context(), c.DeviceID, o); err != nil {
			hubError(w, r, err, "queue write failed")
			return
		}
	}

	log.Ctx(r.Context()).Info().Int("ops", len(req.Ops)).Msg("offline batch queued")
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(req.Ops)})
}

// ListSessions handles GET /v1/sync/sessions, the registry's view of
// an owner's devices. Admin tokens see every owner, optionally
// narrowed with ?owner=.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())

	owner := c.OwnerID
	if c.HasRole("admin") {
		owner = r.URL.Query().Get("owner")
	}

	snap := s.Sessions.Snapshot()
	filtered := make([]session.Info, 0, len(snap))
	for _, in := range snap {
		if owner == "" || in.OwnerID == owner {
			filtered = append(filtered, in)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": filtered,
		"count":    len(filtered),
	})
}

type wipeRequest struct {
	Confirm string `json:"confirm"` // must be "WIPE"
	OwnerID string `json:"ownerId,omitempty"`
}

type wipeResponse struct {
	Epoch uint64 `json:"epoch"`
}

// Wipe handles POST /v1/sync/wipe. Deletes every record and log entry
// for the owner and bumps the epoch, which forces all devices through
// a fresh HELLO and full re-pull. Connected sessions close when the
// wipe announcement reaches their gateway. Owners wipe themselves;
// wiping someone else takes the admin role.
func (s *Server) Wipe(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())

	var req wipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Confirm != "WIPE" {
		writeError(w, r, http.StatusBadRequest, `confirmation required: must send {"confirm":"WIPE"}`)
		return
	}

	target := c.OwnerID
	if req.OwnerID != "" && req.OwnerID != c.OwnerID {
		if !c.HasRole("admin") {
			writeError(w, r, http.StatusForbidden, "cannot wipe another owner's account")
			return
		}
		target = req.OwnerID
	}

	epoch, err := s.Hub.Wipe(r.Context(), target)
	if err != nil {
		hubError(w, r, err, "wipe failed")
		return
	}

	log.Ctx(r.Context()).Info().
		Str("wipedOwner", target).
		Uint64("newEpoch", epoch).
		Msg("account wiped")

	writeJSON(w, http.StatusOK, wipeResponse{Epoch: epoch})
}

// hubError maps orchestrator failures onto HTTP statuses.
func hubError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	log.Ctx(r.Context()).Error().Err(err).Msg(msg)
	if errors.Is(err, orchestrator.ErrShutdown) {
		writeError(w, r, http.StatusServiceUnavailable, msg)
		return
	}
	writeError(w, r, http.StatusInternalServerError, msg)
}
