package bors

import (
	"context"

	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/githubclt"
)

// DryGithubClient is a github client that does not do any changes on github.
// All operations that could cause a change are simulated and always succeed.
// All other operations are forwarded to a wrapped GithubClient.
type DryGithubClient struct {
	clt    GithubClient
	logger *zap.Logger
}

func NewDryGithubClient(clt GithubClient, logger *zap.Logger) *DryGithubClient {
	return &DryGithubClient{
		clt:    clt,
		logger: logger.Named("dry_github_client"),
	}
}

func (c *DryGithubClient) CreateIssueComment(context.Context, string, string, int, string) error {
	c.logger.Info("simulated creating a github issue comment, no comment created on github")
	return nil
}

func (c *DryGithubClient) AddLabel(context.Context, string, string, int, string) error {
	c.logger.Info("simulated adding a label, no label added on github")
	return nil
}

func (c *DryGithubClient) RemoveLabel(context.Context, string, string, int, string) error {
	c.logger.Info("simulated removing a label, no label removed on github")
	return nil
}

func (c *DryGithubClient) SetBranchToSHA(_ context.Context, _, _, branch, sha string) error {
	c.logger.Info("simulated setting branch head, branch unchanged on github",
		zap.String("git.branch", branch),
		zap.String("git.commit", sha),
	)

	return nil
}

// MergeBranches simulates creating a merge commit, the head commit is
// returned as merge result.
func (c *DryGithubClient) MergeBranches(_ context.Context, _, _, _, head, _ string) (string, error) {
	c.logger.Info("simulated merging branches, no merge commit created on github")
	return head, nil
}

func (c *DryGithubClient) CancelWorkflowRun(context.Context, string, string, int64) error {
	c.logger.Info("simulated cancelling a workflow run, run not cancelled on github")
	return nil
}

func (c *DryGithubClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (*githubclt.PullRequest, error) {
	return c.clt.GetPullRequest(ctx, owner, repo, number)
}

func (c *DryGithubClient) BranchHeadSHA(ctx context.Context, owner, repo, branch string) (string, error) {
	return c.clt.BranchHeadSHA(ctx, owner, repo, branch)
}

func (c *DryGithubClient) PullRequestMergeableState(ctx context.Context, owner, repo string, prNumber int) (githubclt.MergeableState, error) {
	return c.clt.PullRequestMergeableState(ctx, owner, repo, prNumber)
}
