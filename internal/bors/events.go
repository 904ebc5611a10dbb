package bors

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/logfields"
)

// RepoName identifies a github repository.
type RepoName struct {
	Owner string
	Name  string
}

// String returns the repository in "owner/name" notation, the same notation
// is used as repository key in the database.
func (r RepoName) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

func (r RepoName) logFields() []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(r.Owner),
		logfields.Repository(r.Name),
	}
}

// PullRequestData is the pull request state contained in a webhook payload.
type PullRequestData struct {
	Number         int
	Author         string
	HeadSHA        string
	HeadBranch     string
	BaseBranch     string
	MergeableState database.MergeableState
}

// Event is a typed event that is processed by the bors event loop.
type Event interface {
	// Name identifies the event kind in log messages and metrics.
	Name() string
	// Repo is the repository that the event belongs to.
	Repo() RepoName
	LogFields() []zap.Field
}

// CommentPosted is sent when a comment was created on a pull request.
type CommentPosted struct {
	Repository RepoName
	PR         int
	Author     string
	Comment    string
}

func (e *CommentPosted) Name() string   { return "comment_posted" }
func (e *CommentPosted) Repo() RepoName { return e.Repository }

func (e *CommentPosted) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.PullRequest(e.PR),
		zap.String("github.comment_author", e.Author),
	)
}

// PullRequestOpened is sent when a pull request was opened.
type PullRequestOpened struct {
	Repository  RepoName
	PullRequest PullRequestData
}

func (e *PullRequestOpened) Name() string   { return "pull_request_opened" }
func (e *PullRequestOpened) Repo() RepoName { return e.Repository }

func (e *PullRequestOpened) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.PullRequest(e.PullRequest.Number),
		logfields.BaseBranch(e.PullRequest.BaseBranch),
	)
}

// PullRequestEdited is sent when the title, description or base branch of a
// pull request was edited.
type PullRequestEdited struct {
	Repository  RepoName
	PullRequest PullRequestData
	// FromBaseSHA is the head commit of the previous base branch.
	// It is empty when the edit did not change the base branch.
	FromBaseSHA string
}

func (e *PullRequestEdited) Name() string   { return "pull_request_edited" }
func (e *PullRequestEdited) Repo() RepoName { return e.Repository }

func (e *PullRequestEdited) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.PullRequest(e.PullRequest.Number),
		logfields.BaseBranch(e.PullRequest.BaseBranch),
	)
}

// PullRequestPushed is sent when new commits were pushed to the branch of a
// pull request.
type PullRequestPushed struct {
	Repository  RepoName
	PullRequest PullRequestData
}

func (e *PullRequestPushed) Name() string   { return "pull_request_pushed" }
func (e *PullRequestPushed) Repo() RepoName { return e.Repository }

func (e *PullRequestPushed) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.PullRequest(e.PullRequest.Number),
		logfields.Commit(e.PullRequest.HeadSHA),
	)
}

// PushToBranch is sent when commits were pushed to a branch of the
// repository, outside of a pull request.
type PushToBranch struct {
	Repository RepoName
	Branch     string
}

func (e *PushToBranch) Name() string   { return "push_to_branch" }
func (e *PushToBranch) Repo() RepoName { return e.Repository }

func (e *PushToBranch) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.Branch(e.Branch),
	)
}

// WorkflowStarted is sent when a CI workflow run started.
type WorkflowStarted struct {
	Repository RepoName
	Workflow   string
	Branch     string
	CommitSHA  string
	RunID      database.RunID
	URL        string
	Type       database.WorkflowType
}

func (e *WorkflowStarted) Name() string   { return "workflow_started" }
func (e *WorkflowStarted) Repo() RepoName { return e.Repository }

func (e *WorkflowStarted) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.Workflow(e.Workflow),
		logfields.Branch(e.Branch),
		logfields.Commit(e.CommitSHA),
		logfields.RunID(e.RunID.Int64()),
	)
}

// WorkflowCompleted is sent when a CI workflow run finished.
type WorkflowCompleted struct {
	Repository RepoName
	Branch     string
	CommitSHA  string
	RunID      database.RunID
	Status     database.WorkflowStatus
}

func (e *WorkflowCompleted) Name() string   { return "workflow_completed" }
func (e *WorkflowCompleted) Repo() RepoName { return e.Repository }

func (e *WorkflowCompleted) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.Branch(e.Branch),
		logfields.Commit(e.CommitSHA),
		logfields.RunID(e.RunID.Int64()),
		zap.String("github.workflow_status", string(e.Status)),
	)
}

// CheckSuiteCompleted is sent when a check suite for a commit finished.
// It signals that no further workflow runs are expected for the commit.
type CheckSuiteCompleted struct {
	Repository RepoName
	Branch     string
	CommitSHA  string
}

func (e *CheckSuiteCompleted) Name() string   { return "check_suite_completed" }
func (e *CheckSuiteCompleted) Repo() RepoName { return e.Repository }

func (e *CheckSuiteCompleted) LogFields() []zap.Field {
	return append(
		e.Repository.logFields(),
		zap.String("bors.event", e.Name()),
		logfields.Branch(e.Branch),
		logfields.Commit(e.CommitSHA),
	)
}

// Refresh is generated periodically by the event loop itself, it is not the
// result of a webhook delivery.
type Refresh struct{}

func (e *Refresh) Name() string   { return "refresh" }
func (e *Refresh) Repo() RepoName { return RepoName{} }

func (e *Refresh) LogFields() []zap.Field {
	return []zap.Field{zap.String("bors.event", e.Name())}
}
