package server

import (
	"fmt"
	"strings"
	"time"

	"fuzzci/internal/utils"
)

// PushEvent is the subset of a GitHub push webhook the service uses.
type PushEvent struct {
	Ref        string     `json:"ref"`
	Repository Repository `json:"repository"`
	Commits    []Commit   `json:"commits"`
	HeadCommit *Commit    `json:"head_commit"`
}

type Repository struct {
	URL    string `json:"url"`
	SSHURL string `json:"ssh_url"`
}

type Commit struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Author    Author `json:"author"`
}

type Author struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type PingEvent struct {
	Zen string `json:"zen"`
}

const branchRefPrefix = "refs/heads/"

// Branch returns the pushed branch, or false for tag and other refs.
func (e *PushEvent) Branch() (string, bool) {
	if !strings.HasPrefix(e.Ref, branchRefPrefix) {
		return "", false
	}
	b := strings.TrimPrefix(e.Ref, branchRefPrefix)
	return b, b != ""
}

// Commit returns the head commit, falling back to the first listed one.
func (e *PushEvent) Commit() *Commit {
	if e.HeadCommit != nil {
		return e.HeadCommit
	}
	if len(e.Commits) > 0 {
		return &e.Commits[0]
	}
	return nil
}

// RunLabel names a run after the pushed commit:
// "<summary> - <short id> by <username> at <UTC time>".
func RunLabel(c *Commit, now time.Time) string {
	if c == nil {
		return "no commit"
	}
	id := c.ID
	if len(id) > 5 {
		id = id[:5]
	}
	return fmt.Sprintf("%s - %s by %s at %s",
		utils.FirstLine(c.Message), id, c.Author.Username, now.UTC().Format("2006-01-02 15:04:05"))
}
