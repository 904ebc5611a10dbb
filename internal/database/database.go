// Package database stores the bot state in a PostgreSQL database.
//
// It owns three tables:
//
//	pull_request: id, repository, number, approved_by, base_branch,
//	              mergeable_state, build_id, created_at
//	build:        id, repository, branch, commit_sha, parent, status,
//	              created_at
//	workflow:     id, build_id, name, url, run_id, type, status, created_at
//
// (repository, number) is unique in pull_request, run_id is unique in
// workflow. Statuses are stored as lowercase strings.
package database

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// MergeableState is the classification reported by GitHub of whether a pull
// request can be merged cleanly into its base branch.
type MergeableState string

const (
	MergeableStateMergeable    MergeableState = "mergeable"
	MergeableStateHasConflicts MergeableState = "has_conflicts"
	MergeableStateUnknown      MergeableState = "unknown"
)

// BuildStatus is the state of a try build.
// All statuses except BuildStatusPending are terminal.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailure   BuildStatus = "failure"
	BuildStatusCancelled BuildStatus = "cancelled"
	// BuildStatusTimeouted is set by the bot when a build ran longer then
	// the configured build timeout.
	BuildStatusTimeouted BuildStatus = "timeouted"
)

func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusPending, BuildStatusSuccess, BuildStatusFailure,
		BuildStatusCancelled, BuildStatusTimeouted:
		return true
	default:
		return false
	}
}

func (s BuildStatus) IsTerminal() bool {
	return s != BuildStatusPending
}

// ValidateBuildStatusTransition returns an error when a build must not change
// from the status from to the status to.
// Terminal statuses can not be left, pending can not be reached again.
func ValidateBuildStatusTransition(from, to BuildStatus) error {
	if !to.Valid() {
		return fmt.Errorf("invalid build status: %q", to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("build status %q is terminal, can not change to %q", from, to)
	}

	if to == BuildStatusPending {
		return fmt.Errorf("build status can not change back to %q", to)
	}

	return nil
}

// WorkflowStatus is the state of a single CI workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending WorkflowStatus = "pending"
	WorkflowStatusSuccess WorkflowStatus = "success"
	WorkflowStatusFailure WorkflowStatus = "failure"
)

func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusSuccess, WorkflowStatusFailure:
		return true
	default:
		return false
	}
}

func (s WorkflowStatus) IsTerminal() bool {
	return s != WorkflowStatusPending
}

// ValidateWorkflowStatusTransition returns an error when a workflow must not
// change from the status from to the status to.
func ValidateWorkflowStatusTransition(from, to WorkflowStatus) error {
	if !to.Valid() {
		return fmt.Errorf("invalid workflow status: %q", to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("workflow status %q is terminal, can not change to %q", from, to)
	}

	if to == WorkflowStatusPending {
		return fmt.Errorf("workflow status can not change back to %q", to)
	}

	return nil
}

// WorkflowType distinguishes workflows run by GitHub Actions from workflows
// of external CI services that report their results via check runs.
type WorkflowType string

const (
	WorkflowTypeGithub   WorkflowType = "github"
	WorkflowTypeExternal WorkflowType = "external"
)

// PullRequest is a row of the pull_request table.
type PullRequest struct {
	ID         int64
	Repository string
	Number     int
	// ApprovedBy is the login of the user that approved the pull request.
	// It is empty when the pull request is not approved.
	ApprovedBy     string
	BaseBranch     string
	MergeableState MergeableState
	// TryBuild is the attached try build, nil when none is attached.
	TryBuild  *Build
	CreatedAt time.Time
}

func (pr *PullRequest) Approved() bool {
	return pr.ApprovedBy != ""
}

// Build is a row of the build table, one commit under CI.
type Build struct {
	ID         int64
	Repository string
	Branch     string
	CommitSHA  string
	// Parent is the SHA of the base branch HEAD that the try merge commit
	// was created on.
	Parent    string
	Status    BuildStatus
	CreatedAt time.Time
}

// Workflow is a row of the workflow table, one CI workflow run reporting into
// a build.
type Workflow struct {
	ID        int64
	BuildID   int64
	Name      string
	URL       string
	RunID     RunID
	Type      WorkflowType
	Status    WorkflowStatus
	CreatedAt time.Time
}
