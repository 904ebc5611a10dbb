package bors

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

func newHTTPRespWriter(logger *zap.Logger, resp http.ResponseWriter) *httpRespWriter {
	return &httpRespWriter{
		ResponseWriter: resp,
		logger:         logger,
	}
}

// WriteStr writes a string to the http response writer.
// If an error happens, it is logged with info priority and false is returned.
// If it succeeded true is returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info("sending http response failed", zap.Error(err))
		return false
	}

	return true
}

// HTTPHandlerState writes a plain text summary of the approved pull requests
// and running try builds of all monitored repositories.
// It reads from the database directly and can answer while the event loop is
// busy.
func (b *Bors) HTTPHandlerState(respWr http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var result strings.Builder

	for _, repo := range b.monitoredRepositories() {
		approved, err := b.db.GetApprovedPullRequests(ctx, repo.String())
		if err != nil {
			b.logger.Error("querying approved pull requests failed", zap.Error(err))
			http.Error(respWr, "querying bot state failed", http.StatusInternalServerError)
			return
		}

		builds, err := b.db.GetRunningBuilds(ctx, repo.String())
		if err != nil {
			b.logger.Error("querying running builds failed", zap.Error(err))
			http.Error(respWr, "querying bot state failed", http.StatusInternalServerError)
			return
		}

		result.WriteString(fmt.Sprintf("Repository: %s\n", repo))

		result.WriteString(fmt.Sprintf("Approved PRs: %d\n", len(approved)))
		for _, pr := range approved {
			result.WriteString(fmt.Sprintf(
				"\t#%-4d\tApproved by: %s\tBase: %s\n",
				pr.Number, pr.ApprovedBy, pr.BaseBranch,
			))
		}

		result.WriteString(fmt.Sprintf("Running try builds: %d\n", len(builds)))
		for _, build := range builds {
			result.WriteString(fmt.Sprintf(
				"\tBuild: %-4d\tCommit: %s\tAge: %s\n",
				build.ID, build.CommitSHA, time.Since(build.CreatedAt).Round(time.Second),
			))
		}

		result.WriteString("\n")
	}

	resp := newHTTPRespWriter(b.logger, respWr)
	resp.Header().Add("Content-Type", "text/plain")
	resp.WriteStr(result.String())
}
