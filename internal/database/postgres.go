package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver, registered as "pgx"
	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/logfields"
)

const loggerName = "database"

// PgClient runs the bot's persistence operations on a PostgreSQL connection
// pool. The pool is shared between the event loop and read-only reporting
// handlers, cross-row consistency is guaranteed with transactions, not with
// in-process locks.
type PgClient struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPgClient opens a connection pool for the passed data source name and
// verifies connectivity with a ping.
func NewPgClient(ctx context.Context, dsn string) (*PgClient, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database failed: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database failed: %w", err)
	}

	return NewPgClientWithDB(db), nil
}

// NewPgClientWithDB wraps an already opened connection pool.
func NewPgClientWithDB(db *sql.DB) *PgClient {
	return &PgClient{
		db:     db,
		logger: zap.L().Named(loggerName),
	}
}

func (c *PgClient) Close() error {
	return c.db.Close()
}

const pullRequestColumns = `pr.id, pr.repository, pr.number, pr.approved_by, pr.base_branch, pr.mergeable_state, pr.created_at`

const buildColumns = `b.id, b.repository, b.branch, b.commit_sha, b.parent, b.status, b.created_at`

const workflowColumns = `w.id, w.build_id, w.name, w.url, w.run_id, w.type, w.status, w.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPullRequest scans a row containing pullRequestColumns followed by
// buildColumns from a LEFT JOIN on the attached build.
func scanPullRequest(row rowScanner) (*PullRequest, error) {
	var pr PullRequest
	var approvedBy sql.NullString

	var buildID sql.NullInt64
	var buildRepo, buildBranch, buildSHA, buildParent, buildStatus sql.NullString
	var buildCreatedAt sql.NullTime

	err := row.Scan(
		&pr.ID,
		&pr.Repository,
		&pr.Number,
		&approvedBy,
		&pr.BaseBranch,
		&pr.MergeableState,
		&pr.CreatedAt,
		&buildID,
		&buildRepo,
		&buildBranch,
		&buildSHA,
		&buildParent,
		&buildStatus,
		&buildCreatedAt,
	)
	if err != nil {
		return nil, err
	}

	pr.ApprovedBy = approvedBy.String

	if buildID.Valid {
		pr.TryBuild = &Build{
			ID:         buildID.Int64,
			Repository: buildRepo.String,
			Branch:     buildBranch.String,
			CommitSHA:  buildSHA.String,
			Parent:     buildParent.String,
			Status:     BuildStatus(buildStatus.String),
			CreatedAt:  buildCreatedAt.Time,
		}
	}

	return &pr, nil
}

func scanBuild(row rowScanner) (*Build, error) {
	var b Build

	err := row.Scan(
		&b.ID,
		&b.Repository,
		&b.Branch,
		&b.CommitSHA,
		&b.Parent,
		&b.Status,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &b, nil
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var w Workflow
	var runID int64

	err := row.Scan(
		&w.ID,
		&w.BuildID,
		&w.Name,
		&w.URL,
		&runID,
		&w.Type,
		&w.Status,
		&w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.RunID = RunIDFromInt64(runID)

	return &w, nil
}

const queryGetOrCreatePullRequest = `
WITH pr AS (
	INSERT INTO pull_request (repository, number, base_branch, mergeable_state)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (repository, number) DO UPDATE
	SET base_branch = EXCLUDED.base_branch, mergeable_state = EXCLUDED.mergeable_state
	RETURNING id, repository, number, approved_by, base_branch, mergeable_state, build_id, created_at
)
SELECT ` + pullRequestColumns + `, ` + buildColumns + `
FROM pr
LEFT JOIN build b ON pr.build_id = b.id`

// GetOrCreatePullRequest returns the stored pull request for (repo, prNumber)
// and creates the row when none exists.
// It is implemented as a single upsert, concurrent callers observe the same
// row. The stored base branch and mergeable state are refreshed with the
// passed values, the approval state is kept.
func (c *PgClient) GetOrCreatePullRequest(ctx context.Context, repo string, prNumber int, baseBranch string, state MergeableState) (*PullRequest, error) {
	row := c.db.QueryRowContext(ctx, queryGetOrCreatePullRequest, repo, prNumber, baseBranch, state)

	pr, err := scanPullRequest(row)
	if err != nil {
		return nil, fmt.Errorf("storing pull request %s#%d failed: %w", repo, prNumber, err)
	}

	return pr, nil
}

const queryCreatePullRequest = `
INSERT INTO pull_request (repository, number, base_branch, mergeable_state)
VALUES ($1, $2, $3, $4)
ON CONFLICT (repository, number) DO NOTHING`

// CreatePullRequest stores a new pull request row with default state.
// Redelivered webhook events for an already stored pull request are a no-op.
func (c *PgClient) CreatePullRequest(ctx context.Context, repo string, prNumber int, baseBranch string) error {
	_, err := c.db.ExecContext(ctx, queryCreatePullRequest, repo, prNumber, baseBranch, MergeableStateUnknown)
	if err != nil {
		return fmt.Errorf("creating pull request %s#%d failed: %w", repo, prNumber, err)
	}

	return nil
}

const queryFindPullRequestByBuild = `
SELECT ` + pullRequestColumns + `, ` + buildColumns + `
FROM pull_request pr
LEFT JOIN build b ON pr.build_id = b.id
WHERE pr.build_id = $1`

// FindPullRequestByBuild returns the pull request that the build is attached
// to. ErrNotFound is returned when the build is not attached to any pull
// request.
func (c *PgClient) FindPullRequestByBuild(ctx context.Context, buildID int64) (*PullRequest, error) {
	row := c.db.QueryRowContext(ctx, queryFindPullRequestByBuild, buildID)

	pr, err := scanPullRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("querying pull request for build %d failed: %w", buildID, err)
	}

	return pr, nil
}

const queryInsertBuild = `
INSERT INTO build (repository, branch, commit_sha, parent, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`

const queryAttachBuild = `UPDATE pull_request SET build_id = $1 WHERE id = $2`

// AttachTryBuild creates a pending build row and sets it as the try build of
// the pull request in a single transaction. A reader either observes the
// pull request without a build or with the fully created one.
// On success pr.TryBuild is set to the created build.
func (c *PgClient) AttachTryBuild(ctx context.Context, pr *PullRequest, branch, commitSHA, parentSHA string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction failed: %w", err)
	}

	build := Build{
		Repository: pr.Repository,
		Branch:     branch,
		CommitSHA:  commitSHA,
		Parent:     parentSHA,
		Status:     BuildStatusPending,
	}

	err = tx.QueryRowContext(ctx, queryInsertBuild, pr.Repository, branch, commitSHA, parentSHA, BuildStatusPending).
		Scan(&build.ID, &build.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("creating build row failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, queryAttachBuild, build.ID, pr.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("attaching build %d to pull request %d failed: %w", build.ID, pr.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}

	pr.TryBuild = &build

	return nil
}

const queryFindBuild = `
SELECT ` + buildColumns + `
FROM build b
WHERE b.repository = $1 AND b.branch = $2 AND b.commit_sha = $3
ORDER BY b.id DESC
LIMIT 1`

// FindBuild returns the newest build for the commit on the branch.
// ErrNotFound is returned when no build is stored for it.
func (c *PgClient) FindBuild(ctx context.Context, repo, branch, commitSHA string) (*Build, error) {
	row := c.db.QueryRowContext(ctx, queryFindBuild, repo, branch, commitSHA)

	build, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("querying build %s %s on %s failed: %w", repo, commitSHA, branch, err)
	}

	return build, nil
}

const queryGetRunningBuilds = `
SELECT ` + buildColumns + `
FROM build b
WHERE b.repository = $1 AND b.status = $2
ORDER BY b.id`

// GetRunningBuilds returns all builds of the repository that are not in a
// terminal status.
func (c *PgClient) GetRunningBuilds(ctx context.Context, repo string) ([]*Build, error) {
	rows, err := c.db.QueryContext(ctx, queryGetRunningBuilds, repo, BuildStatusPending)
	if err != nil {
		return nil, fmt.Errorf("querying running builds of %s failed: %w", repo, err)
	}
	defer rows.Close()

	var result []*Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, build)
	}

	return result, rows.Err()
}

const queryUpdateBuildStatus = `UPDATE build SET status = $1 WHERE id = $2 AND status = $3`

// UpdateBuildStatus transitions a pending build into a terminal status.
// The update is guarded in SQL, a build that already reached a terminal
// status is never changed, losing the race is not an error.
// On success build.Status is updated.
func (c *PgClient) UpdateBuildStatus(ctx context.Context, build *Build, status BuildStatus) error {
	if err := ValidateBuildStatusTransition(build.Status, status); err != nil {
		return err
	}

	res, err := c.db.ExecContext(ctx, queryUpdateBuildStatus, status, build.ID, BuildStatusPending)
	if err != nil {
		return fmt.Errorf("updating status of build %d failed: %w", build.ID, err)
	}

	cnt, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if cnt == 0 {
		c.logger.Debug(
			"build status not changed, build is not pending anymore",
			logfields.Event("build_status_update_skipped"),
			logfields.BuildID(build.ID),
			zap.String("status", string(status)),
		)

		return nil
	}

	build.Status = status

	return nil
}

const queryCreateWorkflow = `
INSERT INTO workflow (build_id, name, url, run_id, type, status)
VALUES ($1, $2, $3, $4, $5, $6)`

// CreateWorkflow stores a CI workflow run reporting into the build.
func (c *PgClient) CreateWorkflow(ctx context.Context, build *Build, name, url string, runID RunID, workflowType WorkflowType, status WorkflowStatus) error {
	_, err := c.db.ExecContext(ctx, queryCreateWorkflow, build.ID, name, url, runID.Int64(), workflowType, status)
	if err != nil {
		return fmt.Errorf("creating workflow row for run %s failed: %w", runID, err)
	}

	return nil
}

const queryUpdateWorkflowStatus = `UPDATE workflow SET status = $1 WHERE run_id = $2 AND status = $3`

// UpdateWorkflowStatus records the result of a workflow run.
// Run ids without a stored workflow row are tolerated and change nothing,
// workflows in a terminal status are never changed.
func (c *PgClient) UpdateWorkflowStatus(ctx context.Context, runID RunID, status WorkflowStatus) error {
	res, err := c.db.ExecContext(ctx, queryUpdateWorkflowStatus, status, runID.Int64(), WorkflowStatusPending)
	if err != nil {
		return fmt.Errorf("updating status of workflow run %s failed: %w", runID, err)
	}

	cnt, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if cnt == 0 {
		c.logger.Debug(
			"no pending workflow found for run id, status not changed",
			logfields.Event("workflow_status_update_skipped"),
			logfields.RunID(runID.Int64()),
			zap.String("status", string(status)),
		)
	}

	return nil
}

const queryGetWorkflowsForBuild = `
SELECT ` + workflowColumns + `
FROM workflow w
WHERE w.build_id = $1
ORDER BY w.id`

// GetWorkflowsForBuild returns all workflow runs reporting into the build.
func (c *PgClient) GetWorkflowsForBuild(ctx context.Context, build *Build) ([]*Workflow, error) {
	rows, err := c.db.QueryContext(ctx, queryGetWorkflowsForBuild, build.ID)
	if err != nil {
		return nil, fmt.Errorf("querying workflows of build %d failed: %w", build.ID, err)
	}
	defer rows.Close()

	var result []*Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, workflow)
	}

	return result, rows.Err()
}

const queryApprovePullRequest = `UPDATE pull_request SET approved_by = $1 WHERE id = $2`

// Approve records the login of the user that approved the pull request.
// A previously recorded approver is overwritten.
func (c *PgClient) Approve(ctx context.Context, pr *PullRequest, approvedBy string) error {
	_, err := c.db.ExecContext(ctx, queryApprovePullRequest, approvedBy, pr.ID)
	if err != nil {
		return fmt.Errorf("approving pull request %s#%d failed: %w", pr.Repository, pr.Number, err)
	}

	pr.ApprovedBy = approvedBy

	return nil
}

const queryUnapprovePullRequest = `UPDATE pull_request SET approved_by = NULL WHERE id = $1`

// Unapprove clears the approval state of the pull request.
func (c *PgClient) Unapprove(ctx context.Context, pr *PullRequest) error {
	_, err := c.db.ExecContext(ctx, queryUnapprovePullRequest, pr.ID)
	if err != nil {
		return fmt.Errorf("unapproving pull request %s#%d failed: %w", pr.Repository, pr.Number, err)
	}

	pr.ApprovedBy = ""

	return nil
}

const queryUpdateMergeableStates = `
UPDATE pull_request SET mergeable_state = $1 WHERE repository = $2 AND base_branch = $3`

// UpdateMergeableStatesByBaseBranch sets the mergeable state of every pull
// request in the repository whose base branch matches branch.
// It returns the number of changed rows.
func (c *PgClient) UpdateMergeableStatesByBaseBranch(ctx context.Context, repo, branch string, state MergeableState) (int64, error) {
	res, err := c.db.ExecContext(ctx, queryUpdateMergeableStates, state, repo, branch)
	if err != nil {
		return 0, fmt.Errorf("updating mergeable states for base branch %s in %s failed: %w", branch, repo, err)
	}

	return res.RowsAffected()
}

const queryPullRequestsByMergeableState = `
SELECT ` + pullRequestColumns + `, ` + buildColumns + `
FROM pull_request pr
LEFT JOIN build b ON pr.build_id = b.id
WHERE pr.repository = $1 AND pr.mergeable_state = $2
ORDER BY pr.number`

// GetPullRequestsByMergeableState returns all pull requests of the repository
// with the passed mergeable state.
func (c *PgClient) GetPullRequestsByMergeableState(ctx context.Context, repo string, state MergeableState) ([]*PullRequest, error) {
	return c.queryPullRequests(ctx, queryPullRequestsByMergeableState, repo, state)
}

const queryApprovedPullRequests = `
SELECT ` + pullRequestColumns + `, ` + buildColumns + `
FROM pull_request pr
LEFT JOIN build b ON pr.build_id = b.id
WHERE pr.repository = $1 AND pr.approved_by IS NOT NULL
ORDER BY pr.number`

// GetApprovedPullRequests returns all approved pull requests of the
// repository.
func (c *PgClient) GetApprovedPullRequests(ctx context.Context, repo string) ([]*PullRequest, error) {
	return c.queryPullRequests(ctx, queryApprovedPullRequests, repo)
}

func (c *PgClient) queryPullRequests(ctx context.Context, query string, args ...any) ([]*PullRequest, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pull requests failed: %w", err)
	}
	defer rows.Close()

	var result []*PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, pr)
	}

	return result, rows.Err()
}
