package bors

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/borsbot/bors/internal/bors/mocks"
	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/githubclt"
)

const repo = "repo"
const repoOwner = "testman"

const defBaseBranch = "main"
const prAuthor = "prauthor"
const reviewer = "reviewer"

const condCheckInterval = 20 * time.Millisecond
const condWaitTimeout = 5 * time.Second

var testRepo = RepoName{Owner: repoOwner, Name: repo}

type testSetup struct {
	bors     *Bors
	db       *fakeDB
	ghClient *mocks.MockGithubClient
}

func initTest(t *testing.T, opts ...Opt) *testSetup {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mockctrl := gomock.NewController(t)
	ghClient := mocks.NewMockGithubClient(mockctrl)
	db := newFakeDB()

	return &testSetup{
		bors:     New(db, ghClient, []RepoName{testRepo}, opts...),
		db:       db,
		ghClient: ghClient,
	}
}

func waitForProcessedEventCnt(t *testing.T, b *Bors, wantedCnt int) {
	t.Helper()

	require.Eventuallyf(
		t,
		func() bool { return b.processedEventCnt.Load() == uint64(wantedCnt) },
		condWaitTimeout,
		condCheckInterval,
		"bors processedEventCnt is: %d, expected: %d", b.processedEventCnt.Load(), wantedCnt,
	)
}

func newGhPullRequest(prNumber int, headSHA string) *githubclt.PullRequest {
	return &githubclt.PullRequest{
		Number:         prNumber,
		Author:         prAuthor,
		HeadSHA:        headSHA,
		HeadBranch:     fmt.Sprintf("pr_branch_%d", prNumber),
		BaseBranch:     defBaseBranch,
		MergeableState: githubclt.MergeableStateMergeable,
	}
}

func newPRData(prNumber int, headSHA, baseBranch string) PullRequestData {
	return PullRequestData{
		Number:         prNumber,
		Author:         prAuthor,
		HeadSHA:        headSHA,
		HeadBranch:     fmt.Sprintf("pr_branch_%d", prNumber),
		BaseBranch:     baseBranch,
		MergeableState: database.MergeableStateMergeable,
	}
}

func newCommentEvent(prNumber int, author, comment string) *CommentPosted {
	return &CommentPosted{
		Repository: testRepo,
		PR:         prNumber,
		Author:     author,
		Comment:    comment,
	}
}

// mockGetPullRequestCall configures the mock to return returnPR for a
// GetPullRequest() call for its pull request number.
// It is configured as the default, to expect exactly 1 invocation.
func mockGetPullRequestCall(clt *mocks.MockGithubClient, returnPR *githubclt.PullRequest) *gomock.Call {
	return clt.
		EXPECT().
		GetPullRequest(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(returnPR.Number)).
		Return(returnPR, nil)
}

func mockCreateIssueCommentCall(clt *mocks.MockGithubClient, expectedPRNr int, expectedComment string) *gomock.Call {
	return clt.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr), gomock.Eq(expectedComment)).
		Return(nil)
}

func mockAnyCreateIssueCommentCall(clt *mocks.MockGithubClient, expectedPRNr int) *gomock.Call {
	return clt.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr), gomock.Any()).
		Return(nil)
}

func mockBranchHeadSHACall(clt *mocks.MockGithubClient, expectedBranch, returnSHA string) *gomock.Call {
	return clt.
		EXPECT().
		BranchHeadSHA(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedBranch)).
		Return(returnSHA, nil)
}

func mockSetBranchToSHACall(clt *mocks.MockGithubClient, expectedBranch, expectedSHA string) *gomock.Call {
	return clt.
		EXPECT().
		SetBranchToSHA(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedBranch), gomock.Eq(expectedSHA)).
		Return(nil)
}

func mockFailedMergeBranchesCall(clt *mocks.MockGithubClient, expectedBase, expectedHead string, returnErr error) *gomock.Call {
	return clt.
		EXPECT().
		MergeBranches(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedBase), gomock.Eq(expectedHead), gomock.Any()).
		Return("", returnErr)
}

func mockCancelWorkflowRunCall(clt *mocks.MockGithubClient, expectedRunID int64) *gomock.Call {
	return clt.
		EXPECT().
		CancelWorkflowRun(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedRunID)).
		Return(nil)
}

func mockAddLabelCall(clt *mocks.MockGithubClient, expectedPRNr int, expectedLabel string) *gomock.Call {
	return clt.
		EXPECT().
		AddLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr), gomock.Eq(expectedLabel)).
		Return(nil)
}

func mockRemoveLabelCall(clt *mocks.MockGithubClient, expectedPRNr int, expectedLabel string) *gomock.Call {
	return clt.
		EXPECT().
		RemoveLabel(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr), gomock.Eq(expectedLabel)).
		Return(nil)
}

func mockPullRequestMergeableStateCall(clt *mocks.MockGithubClient, expectedPRNr int, returnState githubclt.MergeableState) *gomock.Call {
	return clt.
		EXPECT().
		PullRequestMergeableState(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq(expectedPRNr)).
		Return(returnState, nil)
}

func TestEventLoopProcessesQueuedEvents(t *testing.T) {
	s := initTest(t)

	mockCreateIssueCommentCall(s.ghClient, 1, "Pong 🏓!")

	s.bors.Start()
	t.Cleanup(s.bors.Stop)

	s.bors.C() <- newCommentEvent(1, reviewer, "@bors ping")

	waitForProcessedEventCnt(t, s.bors, 1)
}

func TestEventsAreProcessedInOrder(t *testing.T) {
	s := initTest(t)

	const eventCnt = 50

	var mu sync.Mutex
	var commentedPRs []int

	s.ghClient.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, prNumber int, _ string) error {
			mu.Lock()
			defer mu.Unlock()

			commentedPRs = append(commentedPRs, prNumber)

			return nil
		}).
		Times(eventCnt)

	s.bors.Start()
	t.Cleanup(s.bors.Stop)

	for i := 1; i <= eventCnt; i++ {
		s.bors.C() <- newCommentEvent(i, reviewer, "@bors ping")
	}

	waitForProcessedEventCnt(t, s.bors, eventCnt)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, commentedPRs, eventCnt)
	for i, prNumber := range commentedPRs {
		assert.Equal(t, i+1, prNumber, "comment %d was posted on the wrong pull request", i)
	}
}

func TestStopProcessesQueuedEvents(t *testing.T) {
	s := initTest(t)

	const eventCnt = 10

	// github operations of events that are processed during the shutdown
	// are aborted, the number of posted comments is not deterministic
	s.ghClient.
		EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		AnyTimes()

	s.bors.Start()

	for i := 1; i <= eventCnt; i++ {
		s.bors.C() <- newCommentEvent(i, reviewer, "@bors ping")
	}

	s.bors.Stop()

	assert.EqualValues(t, eventCnt, s.bors.processedEventCnt.Load())
}

func TestEventForUnmonitoredRepositoryIsIgnored(t *testing.T) {
	s := initTest(t)

	s.bors.Start()
	t.Cleanup(s.bors.Stop)

	s.bors.C() <- &CommentPosted{
		Repository: RepoName{Owner: "anotherowner", Name: "anotherrepo"},
		PR:         1,
		Author:     reviewer,
		Comment:    "@bors ping",
	}

	waitForProcessedEventCnt(t, s.bors, 1)
}

func TestApprovalLifecycle(t *testing.T) {
	s := initTest(t)

	s.bors.processEvent(&PullRequestOpened{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-1", defBaseBranch),
	})

	pr := s.db.pullRequest(testRepo.String(), 1)
	require.NotNil(t, pr)
	assert.False(t, pr.Approved())

	mockGetPullRequestCall(s.ghClient, newGhPullRequest(1, "commit-1"))
	mockCreateIssueCommentCall(s.ghClient, 1, "Commit commit-1 has been approved by `reviewer`")

	s.bors.processEvent(newCommentEvent(1, reviewer, "@bors r+"))

	pr = s.db.pullRequest(testRepo.String(), 1)
	assert.Equal(t, reviewer, pr.ApprovedBy)

	mockCreateIssueCommentCall(s.ghClient, 1, ":warning: The base branch changed to `beta`, and the\nPR will need to be re-approved.")

	s.bors.processEvent(&PullRequestEdited{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-1", "beta"),
		FromBaseSHA: "main-head-1",
	})

	pr = s.db.pullRequest(testRepo.String(), 1)
	assert.False(t, pr.Approved())
	assert.Equal(t, "beta", pr.BaseBranch)

	ghPR := newGhPullRequest(1, "commit-1")
	ghPR.BaseBranch = "beta"
	mockGetPullRequestCall(s.ghClient, ghPR)
	mockCreateIssueCommentCall(s.ghClient, 1, "Commit commit-1 has been approved by `reviewer2`")

	s.bors.processEvent(newCommentEvent(1, "reviewer2", "@bors r+"))

	pr = s.db.pullRequest(testRepo.String(), 1)
	assert.Equal(t, "reviewer2", pr.ApprovedBy)

	mockCreateIssueCommentCall(s.ghClient, 1, ":warning: A new commit `commit-2` was pushed to the branch, the\nPR will need to be re-approved.")

	s.bors.processEvent(&PullRequestPushed{
		Repository:  testRepo,
		PullRequest: newPRData(1, "commit-2", "beta"),
	})

	pr = s.db.pullRequest(testRepo.String(), 1)
	assert.False(t, pr.Approved())
	assert.Equal(t, "beta", pr.BaseBranch)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
