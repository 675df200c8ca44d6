// Package github wraps the official GitHub SDK for consumers that enrich
// relayed events with API lookups.
package github

import (
	"context"
	"errors"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"prrelay/pkg/relay"
)

const defaultBaseURL = "https://api.github.com"

// Client is the official GitHub SDK client.
type Client = gh.Client

// NewTokenClient creates a GitHub SDK client authenticated with a personal
// access token. An empty baseURL targets github.com; anything else is treated
// as a GitHub Enterprise endpoint.
func NewTokenClient(ctx context.Context, token, baseURL string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("github token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	baseURL = normalizeBaseURL(baseURL)
	if baseURL != defaultBaseURL {
		client, err := gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return gh.NewClient(httpClient), nil
}

// FetchPullRequest looks up the pull request named by key and maps it into
// the relay shape.
func FetchPullRequest(ctx context.Context, client *Client, key relay.PRKey) (relay.PullRequest, error) {
	if client == nil {
		return relay.PullRequest{}, errors.New("github client is required")
	}
	pr, _, err := client.PullRequests.Get(ctx, key.Owner, key.Repo, key.Number)
	if err != nil {
		return relay.PullRequest{}, err
	}
	out := relay.PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		State:  pr.GetState(),
		Body:   pr.GetBody(),
		User:   relay.User{Login: pr.GetUser().GetLogin()},
		Merged: pr.GetMerged(),
	}
	if base := pr.GetBase(); base != nil {
		out.BaseRef = base.GetRef()
	}
	return out, nil
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
