package github

import (
	"strings"

	"github.com/google/go-github/v43/github"

	"github.com/borsbot/bors/internal/bors"
	"github.com/borsbot/bors/internal/database"
)

// githubActionsAppSlug identifies check runs created by GitHub Actions.
// Those runs are already tracked via workflow_run events and must not be
// recorded a second time.
const githubActionsAppSlug = "github-actions"

const branchRefPrefix = "refs/heads/"

// translateEvent converts a parsed webhook payload into a typed event.
// It returns nil for event types and actions that the bot does not act on.
func translateEvent(event any) bors.Event {
	switch ev := event.(type) {
	case *github.IssueCommentEvent:
		return translateIssueCommentEvent(ev)

	case *github.PullRequestEvent:
		return translatePullRequestEvent(ev)

	case *github.PushEvent:
		return translatePushEvent(ev)

	case *github.WorkflowRunEvent:
		return translateWorkflowRunEvent(ev)

	case *github.CheckRunEvent:
		return translateCheckRunEvent(ev)

	case *github.CheckSuiteEvent:
		return translateCheckSuiteEvent(ev)

	default:
		return nil
	}
}

func translateIssueCommentEvent(ev *github.IssueCommentEvent) bors.Event {
	if ev.GetAction() != "created" {
		return nil
	}

	// Comments on issues that are not pull requests can not contain
	// commands.
	issue := ev.GetIssue()
	if issue == nil || !issue.IsPullRequest() {
		return nil
	}

	return &bors.CommentPosted{
		Repository: repoName(ev.GetRepo()),
		PR:         issue.GetNumber(),
		Author:     ev.GetComment().GetUser().GetLogin(),
		Comment:    ev.GetComment().GetBody(),
	}
}

func translatePullRequestEvent(ev *github.PullRequestEvent) bors.Event {
	repo := repoName(ev.GetRepo())

	switch ev.GetAction() {
	case "opened":
		return &bors.PullRequestOpened{
			Repository:  repo,
			PullRequest: prData(ev.GetPullRequest()),
		}

	case "synchronize":
		return &bors.PullRequestPushed{
			Repository:  repo,
			PullRequest: prData(ev.GetPullRequest()),
		}

	case "edited":
		return &bors.PullRequestEdited{
			Repository:  repo,
			PullRequest: prData(ev.GetPullRequest()),
			FromBaseSHA: ev.GetChanges().GetBase().GetSHA().GetFrom(),
		}

	default:
		return nil
	}
}

func translatePushEvent(ev *github.PushEvent) bors.Event {
	// Pushes of tags or other non-branch references can not change the
	// mergeable state of pull requests.
	if !strings.HasPrefix(ev.GetRef(), branchRefPrefix) {
		return nil
	}

	repo := ev.GetRepo()

	owner := repo.GetOwner().GetLogin()
	if owner == "" {
		owner = repo.GetOwner().GetName()
	}

	return &bors.PushToBranch{
		Repository: bors.RepoName{Owner: owner, Name: repo.GetName()},
		Branch:     branchRefToRef(ev.GetRef()),
	}
}

func translateWorkflowRunEvent(ev *github.WorkflowRunEvent) bors.Event {
	repo := repoName(ev.GetRepo())
	run := ev.GetWorkflowRun()

	switch ev.GetAction() {
	case "requested":
		return &bors.WorkflowStarted{
			Repository: repo,
			Workflow:   ev.GetWorkflow().GetName(),
			Branch:     run.GetHeadBranch(),
			CommitSHA:  run.GetHeadSHA(),
			RunID:      database.RunIDFromInt64(run.GetID()),
			URL:        run.GetHTMLURL(),
			Type:       database.WorkflowTypeGithub,
		}

	case "completed":
		return &bors.WorkflowCompleted{
			Repository: repo,
			Branch:     run.GetHeadBranch(),
			CommitSHA:  run.GetHeadSHA(),
			RunID:      database.RunIDFromInt64(run.GetID()),
			Status:     conclusionToWorkflowStatus(run.GetConclusion()),
		}

	default:
		return nil
	}
}

func translateCheckRunEvent(ev *github.CheckRunEvent) bors.Event {
	checkRun := ev.GetCheckRun()

	if checkRun.GetApp().GetSlug() == githubActionsAppSlug {
		return nil
	}

	repo := repoName(ev.GetRepo())

	switch ev.GetAction() {
	case "created":
		return &bors.WorkflowStarted{
			Repository: repo,
			Workflow:   checkRun.GetName(),
			Branch:     checkRun.GetCheckSuite().GetHeadBranch(),
			CommitSHA:  checkRun.GetHeadSHA(),
			RunID:      database.RunIDFromInt64(checkRun.GetID()),
			URL:        checkRun.GetHTMLURL(),
			Type:       database.WorkflowTypeExternal,
		}

	case "completed":
		return &bors.WorkflowCompleted{
			Repository: repo,
			Branch:     checkRun.GetCheckSuite().GetHeadBranch(),
			CommitSHA:  checkRun.GetHeadSHA(),
			RunID:      database.RunIDFromInt64(checkRun.GetID()),
			Status:     conclusionToWorkflowStatus(checkRun.GetConclusion()),
		}

	default:
		return nil
	}
}

func translateCheckSuiteEvent(ev *github.CheckSuiteEvent) bors.Event {
	if ev.GetAction() != "completed" {
		return nil
	}

	suite := ev.GetCheckSuite()

	return &bors.CheckSuiteCompleted{
		Repository: repoName(ev.GetRepo()),
		Branch:     suite.GetHeadBranch(),
		CommitSHA:  suite.GetHeadSHA(),
	}
}

func repoName(repo *github.Repository) bors.RepoName {
	return bors.RepoName{
		Owner: repo.GetOwner().GetLogin(),
		Name:  repo.GetName(),
	}
}

func prData(pr *github.PullRequest) bors.PullRequestData {
	return bors.PullRequestData{
		Number:         pr.GetNumber(),
		Author:         pr.GetUser().GetLogin(),
		HeadSHA:        pr.GetHead().GetSHA(),
		HeadBranch:     pr.GetHead().GetRef(),
		BaseBranch:     pr.GetBase().GetRef(),
		MergeableState: prMergeableState(pr),
	}
}

func prMergeableState(pr *github.PullRequest) database.MergeableState {
	// The mergeable field is null while github is still computing the
	// state.
	if pr == nil || pr.Mergeable == nil {
		return database.MergeableStateUnknown
	}

	if pr.GetMergeable() {
		return database.MergeableStateMergeable
	}

	return database.MergeableStateHasConflicts
}

// branchRefToRef removes the leading refs/heads/ prefix from a git reference.
func branchRefToRef(ref string) string {
	return strings.TrimPrefix(ref, branchRefPrefix)
}

func conclusionToWorkflowStatus(conclusion string) database.WorkflowStatus {
	switch conclusion {
	case "success", "neutral", "skipped":
		return database.WorkflowStatusSuccess
	default:
		return database.WorkflowStatusFailure
	}
}
