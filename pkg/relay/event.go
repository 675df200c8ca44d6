package relay

import (
	"encoding/json"
	"fmt"
)

// Event kinds. The values double as the webhook event types the variants are
// derived from.
const (
	KindIssueComment  = "issue_comment"
	KindReviewComment = "pull_request_review_comment"
	KindPullRequest   = "pull_request"
)

// UnknownTagError reports a discriminator value outside the closed set
// understood by this package.
type UnknownTagError struct {
	Field string
	Value string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Field, e.Value)
}

// User is the author of a comment, issue or pull request.
type User struct {
	Login string `json:"login"`
}

// Repository locates the repository an event belongs to.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    User   `json:"owner"`
}

// Issue carries the issue fields needed for display and key derivation.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state,omitempty"`
	Body   string `json:"body,omitempty"`
	User   User   `json:"user"`
}

// Comment is a plain issue comment.
type Comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	User    User   `json:"user"`
	HTMLURL string `json:"html_url,omitempty"`
}

// ReviewComment is a review comment anchored to a diff position.
type ReviewComment struct {
	ID       int64  `json:"id"`
	Body     string `json:"body"`
	User     User   `json:"user"`
	Path     string `json:"path,omitempty"`
	DiffHunk string `json:"diff_hunk,omitempty"`
	CommitID string `json:"commit_id,omitempty"`
	HTMLURL  string `json:"html_url,omitempty"`
}

// PullRequest carries the pull request fields needed for display and key
// derivation.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state,omitempty"`
	Body    string `json:"body,omitempty"`
	User    User   `json:"user"`
	BaseRef string `json:"base_ref,omitempty"`
	Merged  bool   `json:"merged,omitempty"`
}

// IssueCommentEvent is a comment on the issue thread of a reviewable unit.
type IssueCommentEvent struct {
	Action     string     `json:"action"`
	Comment    Comment    `json:"comment"`
	Issue      Issue      `json:"issue"`
	Repository Repository `json:"repository"`
}

// ReviewCommentEvent is a comment on a pull request diff.
type ReviewCommentEvent struct {
	Action      string        `json:"action"`
	Comment     ReviewComment `json:"comment"`
	PullRequest PullRequest   `json:"pull_request"`
	Repository  Repository    `json:"repository"`
}

// PullRequestEvent is a state change on the pull request itself.
type PullRequestEvent struct {
	Action      string      `json:"action"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository"`
}

// Event is the closed union of normalized webhook events. Kind selects the
// variant and the matching payload pointer must be set. Decoding a kind
// outside the closed set yields an *UnknownTagError rather than a
// default-constructed value.
type Event struct {
	Kind          string              `json:"kind"`
	IssueComment  *IssueCommentEvent  `json:"issue_comment,omitempty"`
	ReviewComment *ReviewCommentEvent `json:"review_comment,omitempty"`
	PullRequest   *PullRequestEvent   `json:"pull_request,omitempty"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	ev := Event(p)
	if err := ev.validate(); err != nil {
		return err
	}
	*e = ev
	return nil
}

func (e Event) validate() error {
	switch e.Kind {
	case KindIssueComment:
		if e.IssueComment == nil {
			return fmt.Errorf("event kind %s: missing payload", e.Kind)
		}
	case KindReviewComment:
		if e.ReviewComment == nil {
			return fmt.Errorf("event kind %s: missing payload", e.Kind)
		}
	case KindPullRequest:
		if e.PullRequest == nil {
			return fmt.Errorf("event kind %s: missing payload", e.Kind)
		}
	default:
		return &UnknownTagError{Field: "kind", Value: e.Kind}
	}
	return nil
}

// Action returns the action string of whichever variant is populated.
func (e Event) Action() string {
	switch e.Kind {
	case KindIssueComment:
		if e.IssueComment != nil {
			return e.IssueComment.Action
		}
	case KindReviewComment:
		if e.ReviewComment != nil {
			return e.ReviewComment.Action
		}
	case KindPullRequest:
		if e.PullRequest != nil {
			return e.PullRequest.Action
		}
	}
	return ""
}

// Key derives the reviewable-unit key the event belongs to: repository owner
// and name plus the issue or pull request number.
func (e Event) Key() (PRKey, error) {
	if err := e.validate(); err != nil {
		return PRKey{}, err
	}
	switch e.Kind {
	case KindIssueComment:
		return PRKey{
			Owner:  e.IssueComment.Repository.Owner.Login,
			Repo:   e.IssueComment.Repository.Name,
			Number: e.IssueComment.Issue.Number,
		}, nil
	case KindReviewComment:
		return PRKey{
			Owner:  e.ReviewComment.Repository.Owner.Login,
			Repo:   e.ReviewComment.Repository.Name,
			Number: e.ReviewComment.PullRequest.Number,
		}, nil
	default:
		return PRKey{
			Owner:  e.PullRequest.Repository.Owner.Login,
			Repo:   e.PullRequest.Repository.Name,
			Number: e.PullRequest.PullRequest.Number,
		}, nil
	}
}

var knownActions = map[string]map[string]struct{}{
	KindIssueComment:  {"created": {}, "edited": {}, "deleted": {}},
	KindReviewComment: {"created": {}, "edited": {}, "deleted": {}},
	KindPullRequest: {
		"opened": {}, "edited": {}, "closed": {}, "reopened": {},
		"synchronize": {}, "ready_for_review": {},
	},
}

// DefaultAction is the substitute used when a webhook delivery carries an
// action string outside the closed set for its kind.
func DefaultAction(kind string) string {
	if kind == KindPullRequest {
		return "opened"
	}
	return "created"
}

// NormalizeAction returns the action unchanged when it belongs to the closed
// set for the kind, and the kind default otherwise. Providers introduce new
// action strings over time; substituting keeps old consumers working at the
// cost of mislabeling such deliveries.
func NormalizeAction(kind, action string) string {
	if actions, ok := knownActions[kind]; ok {
		if _, ok := actions[action]; ok {
			return action
		}
	}
	return DefaultAction(kind)
}
