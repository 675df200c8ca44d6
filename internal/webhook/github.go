// Package webhook implements the signed HTTP ingress that feeds the relay.
//
// A single handler accepts GitHub deliveries for issue comments, review
// comments and pull request state changes, verifies the X-Hub-Signature-256
// header, normalizes the payload into the relay event union and fans the
// resulting frame out to every live subscription of the pull request key.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-playground/webhooks/v6/github"

	"prrelay/internal"
	"prrelay/internal/bus"
	"prrelay/internal/hub"
	"prrelay/internal/journal"
	"prrelay/pkg/relay"
)

// DefaultMaxBodyBytes caps the request body read from GitHub.
const DefaultMaxBodyBytes = 1 << 20

var acceptedEvents = []github.Event{
	github.IssueCommentEvent,
	github.PullRequestReviewCommentEvent,
	github.PullRequestEvent,
	github.PingEvent,
}

// Handler verifies, normalizes and fans out GitHub webhook deliveries.
type Handler struct {
	hook    *github.Webhook
	hub     *hub.Hub
	mirror  *bus.Mirror
	journal *journal.Store
	logger  *log.Logger
	maxBody int64
}

// Option configures optional collaborators of a Handler.
type Option func(*Handler)

// WithMirror publishes every accepted delivery to the event mirror.
func WithMirror(m *bus.Mirror) Option {
	return func(h *Handler) { h.mirror = m }
}

// WithJournal records every accepted delivery in the journal store.
func WithJournal(s *journal.Store) Option {
	return func(h *Handler) { h.journal = s }
}

// WithMaxBodyBytes overrides the request body limit.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler builds the ingress handler. An empty secret disables signature
// verification, which is only acceptable on loopback deployments.
func NewHandler(secret string, relayHub *hub.Hub, logger *log.Logger, opts ...Option) (*Handler, error) {
	hook, err := github.New(github.Options.Secret(secret))
	if err != nil {
		return nil, err
	}
	if secret == "" {
		logger.Printf("webhook signature verification disabled: no secret configured")
	}
	h := &Handler{
		hook:    hook,
		hub:     relayHub,
		logger:  logger,
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP handles POST /webhook/{instance}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		internal.IncWebhookError("malformed_payload")
		h.logger.Printf("webhook %s: read body: %v", instanceID, err)
		writeError(w, http.StatusBadRequest, "malformed_payload")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	payload, err := h.hook.Parse(r, acceptedEvents...)
	if err != nil {
		status, reason := classifyParseError(err)
		internal.IncWebhookError(reason)
		h.logger.Printf("webhook %s rejected (%s): event=%q delivery=%q err=%v body=%q",
			instanceID, reason, r.Header.Get("X-GitHub-Event"), deliveryID, err, excerpt(rawBody, 256))
		writeError(w, status, reason)
		return
	}

	var event relay.Event
	switch pl := payload.(type) {
	case github.PingPayload:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case github.IssueCommentPayload:
		event = normalizeIssueComment(pl)
	case github.PullRequestReviewCommentPayload:
		event = normalizeReviewComment(pl)
	case github.PullRequestPayload:
		event = normalizePullRequest(pl)
	default:
		internal.IncWebhookError("unknown_event")
		h.logger.Printf("webhook %s rejected: unexpected payload type %T", instanceID, payload)
		writeError(w, http.StatusBadRequest, "unknown_event")
		return
	}

	key, err := event.Key()
	if err != nil {
		internal.IncWebhookError("malformed_payload")
		h.logger.Printf("webhook %s rejected: %v body=%q", instanceID, err, excerpt(rawBody, 256))
		writeError(w, http.StatusBadRequest, "malformed_payload")
		return
	}
	internal.IncWebhook(event.Kind)

	frame, err := json.Marshal(relay.ServerMessage{Type: relay.TypeWebhook, Key: &key, Event: &event})
	if err != nil {
		h.logger.Printf("webhook %s: encode frame for %s: %v", instanceID, key, err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	delivered, dropped := h.hub.Fanout(key, frame)
	h.logger.Printf("webhook %s: %s %s on %s delivered=%d dropped=%d",
		instanceID, event.Kind, event.Action(), key, delivered, dropped)

	if h.journal != nil {
		rec := journal.Delivery{
			Owner:      key.Owner,
			Repo:       key.Repo,
			Number:     key.Number,
			Kind:       event.Kind,
			Action:     event.Action(),
			Instance:   instanceID,
			DeliveryID: deliveryID,
			Delivered:  delivered,
			Dropped:    dropped,
		}
		if err := h.journal.Record(r.Context(), rec); err != nil {
			h.logger.Printf("webhook %s: journal %s: %v", instanceID, key, err)
		}
	}
	if h.mirror != nil {
		h.mirror.Publish(r.Context(), relay.Envelope{Key: key, Event: event}, deliveryID)
	}

	writeJSON(w, http.StatusOK, acceptedResponse{Status: "ok", Delivered: delivered})
}

type acceptedResponse struct {
	Status    string `json:"status"`
	Delivered int    `json:"delivered"`
}

// classifyParseError maps library sentinels onto the wire error contract.
// Signature problems are authentication failures, everything else about the
// request shape is a bad request.
func classifyParseError(err error) (int, string) {
	switch {
	case errors.Is(err, github.ErrHMACVerificationFailed),
		errors.Is(err, github.ErrMissingHubSignatureHeader):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, github.ErrEventNotFound),
		errors.Is(err, github.ErrMissingGithubEventHeader),
		errors.Is(err, github.ErrInvalidHTTPMethod):
		return http.StatusBadRequest, "unknown_event"
	default:
		return http.StatusBadRequest, "malformed_payload"
	}
}

func normalizeIssueComment(pl github.IssueCommentPayload) relay.Event {
	return relay.Event{
		Kind: relay.KindIssueComment,
		IssueComment: &relay.IssueCommentEvent{
			Action: relay.NormalizeAction(relay.KindIssueComment, pl.Action),
			Comment: relay.Comment{
				ID:      pl.Comment.ID,
				Body:    pl.Comment.Body,
				User:    relay.User{Login: pl.Comment.User.Login},
				HTMLURL: pl.Comment.HTMLURL,
			},
			Issue: relay.Issue{
				Number: int(pl.Issue.Number),
				Title:  pl.Issue.Title,
				State:  pl.Issue.State,
				Body:   pl.Issue.Body,
				User:   relay.User{Login: pl.Issue.User.Login},
			},
			Repository: relay.Repository{
				Name:     pl.Repository.Name,
				FullName: pl.Repository.FullName,
				Owner:    relay.User{Login: pl.Repository.Owner.Login},
			},
		},
	}
}

func normalizeReviewComment(pl github.PullRequestReviewCommentPayload) relay.Event {
	return relay.Event{
		Kind: relay.KindReviewComment,
		ReviewComment: &relay.ReviewCommentEvent{
			Action: relay.NormalizeAction(relay.KindReviewComment, pl.Action),
			Comment: relay.ReviewComment{
				ID:       pl.Comment.ID,
				Body:     pl.Comment.Body,
				User:     relay.User{Login: pl.Comment.User.Login},
				Path:     pl.Comment.Path,
				CommitID: pl.Comment.CommitID,
				DiffHunk: pl.Comment.DiffHunk,
				HTMLURL:  pl.Comment.HTMLURL,
			},
			PullRequest: relay.PullRequest{
				Number: int(pl.PullRequest.Number),
				Title:  pl.PullRequest.Title,
				State:  pl.PullRequest.State,
				Body:   pl.PullRequest.Body,
				User:   relay.User{Login: pl.PullRequest.User.Login},
			},
			Repository: relay.Repository{
				Name:     pl.Repository.Name,
				FullName: pl.Repository.FullName,
				Owner:    relay.User{Login: pl.Repository.Owner.Login},
			},
		},
	}
}

func normalizePullRequest(pl github.PullRequestPayload) relay.Event {
	return relay.Event{
		Kind: relay.KindPullRequest,
		PullRequest: &relay.PullRequestEvent{
			Action: relay.NormalizeAction(relay.KindPullRequest, pl.Action),
			PullRequest: relay.PullRequest{
				Number:  int(pl.PullRequest.Number),
				Title:   pl.PullRequest.Title,
				State:   pl.PullRequest.State,
				Body:    pl.PullRequest.Body,
				User:    relay.User{Login: pl.PullRequest.User.Login},
				Merged:  pl.PullRequest.Merged,
				BaseRef: pl.PullRequest.Base.Ref,
			},
			Repository: relay.Repository{
				Name:     pl.Repository.Name,
				FullName: pl.Repository.FullName,
				Owner:    relay.User{Login: pl.Repository.Owner.Login},
			},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("webhook: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func excerpt(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
