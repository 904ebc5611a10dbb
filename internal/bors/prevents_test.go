package bors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borsbot/bors/internal/database"
)

// seedApprovedPR stores an approved pull request.
func seedApprovedPR(t *testing.T, db *fakeDB, prNumber int) {
	t.Helper()

	ctx := context.Background()
	pr, err := db.GetOrCreatePullRequest(ctx, testRepo.String(), prNumber, defBaseBranch, database.MergeableStateMergeable)
	require.NoError(t, err)
	require.NoError(t, db.Approve(ctx, pr, reviewer))
}

func TestPullRequestOpenedRecordsPullRequest(t *testing.T) {
	s := initTest(t)

	s.bors.processEvent(&PullRequestOpened{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-1", defBaseBranch),
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.Equal(t, defBaseBranch, pr.BaseBranch)
	assert.Equal(t, database.MergeableStateUnknown, pr.MergeableState)
	assert.False(t, pr.Approved())
}

func TestPullRequestOpenedRedeliveryKeepsState(t *testing.T) {
	s := initTest(t)

	seedApprovedPR(t, s.db, 1)

	s.bors.processEvent(&PullRequestOpened{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-1", defBaseBranch),
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.Equal(t, reviewer, pr.ApprovedBy)
}

func TestBaseBranchChangeRevokesApproval(t *testing.T) {
	s := initTest(t)

	seedApprovedPR(t, s.db, 1)

	mockCreateIssueCommentCall(s.ghClient, 1, ":warning: The base branch changed to `beta`, and the\nPR will need to be re-approved.")

	s.bors.processEvent(&PullRequestEdited{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-1", "beta"),
		FromBaseSHA: "main-head-1",
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.False(t, pr.Approved())
	assert.Equal(t, "beta", pr.BaseBranch)
}

func TestEditWithoutBaseBranchChangeKeepsApproval(t *testing.T) {
	s := initTest(t)

	seedApprovedPR(t, s.db, 1)

	s.bors.processEvent(&PullRequestEdited{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-1", defBaseBranch),
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.Equal(t, reviewer, pr.ApprovedBy)
}

func TestBaseBranchChangeOfUnapprovedPullRequest(t *testing.T) {
	s := initTest(t)

	s.bors.processEvent(&PullRequestEdited{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-1", "beta"),
		FromBaseSHA: "main-head-1",
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.False(t, pr.Approved())
	assert.Equal(t, "beta", pr.BaseBranch)
}

func TestPushRevokesApproval(t *testing.T) {
	s := initTest(t)

	seedApprovedPR(t, s.db, 1)

	mockCreateIssueCommentCall(s.ghClient, 1, ":warning: A new commit `commit-2` was pushed to the branch, the\nPR will need to be re-approved.")

	s.bors.processEvent(&PullRequestPushed{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-2", defBaseBranch),
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.False(t, pr.Approved())
}

func TestPushToUnapprovedPullRequestIsIgnored(t *testing.T) {
	s := initTest(t)

	s.bors.processEvent(&PullRequestPushed{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-2", defBaseBranch),
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.False(t, pr.Approved())
}

func TestPushToBranchResetsMergeableStates(t *testing.T) {
	s := initTest(t)

	ctx := context.Background()
	_, err := s.db.GetOrCreatePullRequest(ctx, testRepo.String(), 1, defBaseBranch, database.MergeableStateMergeable)
	require.NoError(t, err)
	_, err = s.db.GetOrCreatePullRequest(ctx, testRepo.String(), 2, defBaseBranch, database.MergeableStateHasConflicts)
	require.NoError(t, err)
	_, err = s.db.GetOrCreatePullRequest(ctx, testRepo.String(), 3, "beta", database.MergeableStateMergeable)
	require.NoError(t, err)

	s.bors.processEvent(&PushToBranch{Repository: testRepo, Branch: defBaseBranch})

	assert.Equal(t, database.MergeableStateUnknown, s.db.pullRequest(testRepo.String(), 1).MergeableState)
	assert.Equal(t, database.MergeableStateUnknown, s.db.pullRequest(testRepo.String(), 2).MergeableState)
	assert.Equal(t, database.MergeableStateMergeable, s.db.pullRequest(testRepo.String(), 3).MergeableState)
}
