package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"prrelay/pkg/relay"
)

func TestNewTokenClientRequiresToken(t *testing.T) {
	if _, err := NewTokenClient(context.Background(), " ", ""); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestFetchPullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/octocat/hello-world/pulls/7" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"number": 7,
			"title": "Add retry",
			"state": "open",
			"body": "Retries transient failures.",
			"user": {"login": "hubot"},
			"merged": false,
			"base": {"ref": "main"}
		}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewTokenClient(context.Background(), "token", srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	pr, err := FetchPullRequest(context.Background(), client, relay.PRKey{Owner: "octocat", Repo: "hello-world", Number: 7})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if pr.Number != 7 || pr.Title != "Add retry" || pr.State != "open" {
		t.Fatalf("unexpected pull request: %+v", pr)
	}
	if pr.User.Login != "hubot" || pr.BaseRef != "main" || pr.Merged {
		t.Fatalf("unexpected pull request details: %+v", pr)
	}
}

func TestFetchPullRequestRequiresClient(t *testing.T) {
	_, err := FetchPullRequest(context.Background(), nil, relay.PRKey{Owner: "octocat", Repo: "hello-world", Number: 7})
	if err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	if got := normalizeBaseURL(""); got != defaultBaseURL {
		t.Fatalf("expected default base URL, got %q", got)
	}
	if got := normalizeBaseURL("https://ghe.internal/"); got != "https://ghe.internal" {
		t.Fatalf("expected trailing slash trimmed, got %q", got)
	}
}
