// Package relay defines the wire protocol and normalized event model shared
// by the relay server and the relay client.
package relay

import "fmt"

// PRKey identifies the reviewable unit being watched, addressed as
// owner/repo#number. It is comparable, usable as a map key, and immutable
// once constructed. The number is the issue number for issue comment events
// and the pull request number otherwise; for pull requests the two are the
// same value.
type PRKey struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

func (k PRKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Repo, k.Number)
}
