// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/borsbot/bors/internal/borserr"
	"github.com/borsbot/bors/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// ErrMergeConflict is returned by MergeBranches when the branches can not be
// merged because they contain conflicting changes.
var ErrMergeConflict = errors.New("merge conflict")

// ErrNothingToMerge is returned by MergeBranches when the base branch already
// contains all commits of head and github did not create a merge commit.
var ErrNothingToMerge = errors.New("base branch already contains the head commits")

// New returns a client that authenticates with a personal access token.
// When the token is empty, requests are sent unauthenticated.
func New(oauthAPItoken string) *Client {
	if oauthAPItoken == "" {
		return newClient(&http.Client{
			Timeout: DefaultHTTPClientTimeout,
		})
	}

	return NewFromTokenSource(oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: oauthAPItoken},
	))
}

// NewFromTokenSource returns a client that authenticates with tokens drawn
// from ts.
func NewFromTokenSource(ts oauth2.TokenSource) *Client {
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return newClient(tc)
}

func newClient(httpClient *http.Client) *Client {
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

// Client is an github API client.
// All methods return a borserr.RetryableError when an operation can be
// retried. This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// PullRequest describes the fields of a github pull request that the bot
// acts on.
type PullRequest struct {
	Number         int
	Author         string
	HeadSHA        string
	HeadBranch     string
	BaseBranch     string
	MergeableState MergeableState
}

// GetPullRequest retrieves the current state of a pull request.
func (clt *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	prHead := pr.GetHead()
	if prHead == nil {
		return nil, errors.New("got pull request object with empty head")
	}

	if prHead.GetSHA() == "" {
		return nil, errors.New("got pull request object with empty head sha")
	}

	if pr.GetBase().GetRef() == "" {
		return nil, errors.New("got pull request object with empty base ref field")
	}

	return &PullRequest{
		Number:         pr.GetNumber(),
		Author:         pr.GetUser().GetLogin(),
		HeadSHA:        prHead.GetSHA(),
		HeadBranch:     prHead.GetRef(),
		BaseBranch:     pr.GetBase().GetRef(),
		MergeableState: MergeableStateFromV3(pr.GetMergeableState()),
	}, nil
}

// BranchHeadSHA returns the commit the branch currently points to.
func (clt *Client) BranchHeadSHA(ctx context.Context, owner, repo, branch string) (string, error) {
	br, _, err := clt.restClt.Repositories.GetBranch(ctx, owner, repo, branch, false)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	sha := br.GetCommit().GetSHA()
	if sha == "" {
		return "", errors.New("github returned a branch object with an empty commit sha")
	}

	return sha, nil
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// AddLabel adds a label to Pull-Request or Issue.
func (clt *Client) AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label value is passed:
		return errors.New("provided label is empty")
	}
	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a Pull-Request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		owner,
		repo,
		pullRequestOrIssueNumber,
		label,
	)
	if err == nil {
		return nil
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
		clt.logger.Debug("removing label returned a not found response, interpreting it as success",
			logfields.RepositoryOwner(owner),
			logfields.Repository(repo),
			logfields.PullRequest(pullRequestOrIssueNumber),
			logfields.Label(label),
			logfields.Event("github_remove_label_returned_not_found"),
			zap.Error(err),
		)

		return nil
	}

	return clt.wrapRetryableErrors(err)
}

// SetBranchToSHA force-sets branch to the given commit, discarding the
// previous branch history. The branch is created when it does not exist yet.
func (clt *Client) SetBranchToSHA(ctx context.Context, owner, repo, branch, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}

	_, _, err := clt.restClt.Git.UpdateRef(ctx, owner, repo, ref, true)
	if err == nil {
		return nil
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
		// updating a ref that does not exist fails with 422
		_, _, createErr := clt.restClt.Git.CreateRef(ctx, owner, repo, ref)
		if createErr == nil {
			clt.logger.Debug("branch did not exist and was created",
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
				logfields.Branch(branch),
				logfields.Commit(sha),
				logfields.Event("github_branch_created"),
			)

			return nil
		}

		return clt.wrapRetryableErrors(createErr)
	}

	return clt.wrapRetryableErrors(err)
}

// MergeBranches creates a merge commit in the base branch that merges head
// into it and returns the SHA of the merge commit.
// ErrMergeConflict is returned when the branches can not be merged because
// of conflicting changes, ErrNothingToMerge when base already contains all
// commits of head.
func (clt *Client) MergeBranches(ctx context.Context, owner, repo, base, head, commitMessage string) (string, error) {
	commit, resp, err := clt.restClt.Repositories.Merge(ctx, owner, repo, &github.RepositoryMergeRequest{
		Base:          github.String(base),
		Head:          github.String(head),
		CommitMessage: github.String(commitMessage),
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusConflict {
			return "", ErrMergeConflict
		}

		return "", clt.wrapRetryableErrors(err)
	}

	if resp.StatusCode == http.StatusNoContent || commit == nil {
		return "", ErrNothingToMerge
	}

	if commit.GetSHA() == "" {
		return "", errors.New("github returned a merge commit with an empty sha")
	}

	return commit.GetSHA(), nil
}

// CancelWorkflowRun requests the cancellation of a workflow run.
// Cancellation happens asynchronously on the github side, the method returns
// when the request was accepted.
func (clt *Client) CancelWorkflowRun(ctx context.Context, owner, repo string, runID int64) error {
	_, err := clt.restClt.Actions.CancelWorkflowRunByID(ctx, owner, repo, runID)
	if err != nil {
		// the endpoint answers with 202, the go-github client reports
		// it as an AcceptedError
		var acceptedErr *github.AcceptedError
		if errors.As(err, &acceptedErr) {
			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return borserr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return borserr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return borserr.NewRetryableAnytimeError(err)
	}

	return err
}
