package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"prrelay/pkg/providers/github"
	"prrelay/pkg/relay"
	"prrelay/pkg/relayclient"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Relay server address")
	instance := flag.String("instance", "", "Instance identity for this watcher")
	owner := flag.String("owner", "", "Repository owner")
	repo := flag.String("repo", "", "Repository name")
	number := flag.Int("number", 0, "Pull request or issue number")
	token := flag.String("token", "", "Optional GitHub token for a pull request lookup")
	githubURL := flag.String("github-url", "", "GitHub API base URL for Enterprise setups")
	flag.Parse()

	log.SetPrefix("prrelay/watch ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if *instance == "" || *owner == "" || *repo == "" || *number == 0 {
		log.Fatalf("usage: watch -instance ID -owner OWNER -repo REPO -number N")
	}
	key := relay.PRKey{Owner: *owner, Repo: *repo, Number: *number}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *token != "" {
		client, err := github.NewTokenClient(ctx, *token, *githubURL)
		if err != nil {
			log.Fatalf("github client: %v", err)
		}
		pr, err := github.FetchPullRequest(ctx, client, key)
		if err != nil {
			log.Printf("pull request lookup: %v", err)
		} else {
			log.Printf("watching %s: %q (%s)", key, pr.Title, pr.State)
		}
	}

	c, err := relayclient.Dial(ctx, *addr, *instance)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, key, printEvent); err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	log.Printf("subscribed to %s", key)

	<-ctx.Done()

	unsubCtx, cancelUnsub := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelUnsub()
	if err := c.Unsubscribe(unsubCtx, key); err != nil {
		log.Printf("unsubscribe: %v", err)
	}
}

func printEvent(key relay.PRKey, event relay.Event) {
	switch event.Kind {
	case relay.KindIssueComment:
		e := event.IssueComment
		log.Printf("%s comment by %s: %s", key, e.Comment.User.Login, e.Comment.Body)
	case relay.KindReviewComment:
		e := event.ReviewComment
		log.Printf("%s review comment by %s on %s: %s", key, e.Comment.User.Login, e.Comment.Path, e.Comment.Body)
	case relay.KindPullRequest:
		e := event.PullRequest
		log.Printf("%s pull request %s by %s: %s", key, e.Action, e.PullRequest.User.Login, e.PullRequest.Title)
	}
}
