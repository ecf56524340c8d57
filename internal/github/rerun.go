// Package github re-runs a parked GitHub Actions job once the booking it
// waits on has been given a resource.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/devghori1264/aerophoenix/bookd/internal/events"
	"github.com/devghori1264/aerophoenix/bookd/internal/models"
)

const DefaultBaseURL = "https://api.github.com"

// Rerunner calls the "re-run a job" endpoint of the GitHub REST API.
type Rerunner struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	log     *zap.Logger
}

// Config holds what NewRerunner needs. Token must be allowed to write
// Actions in the target repositories.
type Config struct {
	Token   string
	BaseURL string
	// RequestsPerSecond caps outgoing calls. Zero means no limit.
	RequestsPerSecond float64
	Logger            *zap.Logger
}

func NewRerunner(ctx context.Context, cfg Config) *Rerunner {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	return &Rerunner{
		client:  oauth2.NewClient(ctx, ts),
		baseURL: base,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

func (r *Rerunner) jobURL(job models.JobInfo) string {
	return fmt.Sprintf("%s/repos/%s/%s/actions/jobs/%s/rerun",
		r.baseURL,
		url.PathEscape(job.RepoOwner),
		url.PathEscape(job.RepoName),
		strconv.FormatInt(job.JobID, 10))
}

// Rerun asks GitHub to re-run job. Failures are returned, not retried.
func (r *Rerunner) Rerun(ctx context.Context, job models.JobInfo) error {
	if job.RepoOwner == "" || job.RepoName == "" || job.JobID == 0 {
		return fmt.Errorf("incomplete job info %+v", job)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.jobURL(job), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("rerun job %d: %w", job.JobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rerun job %d: github returned %s: %s", job.JobID, resp.Status, strings.TrimSpace(string(body)))
	}
	r.log.Info("github job re-run requested",
		zap.String("repo", job.RepoOwner+"/"+job.RepoName),
		zap.Int64("run_id", job.RunID),
		zap.Int64("job_id", job.JobID))
	return nil
}

// Notify implements events.Notifier. Only matches of bookings carrying
// job info trigger a call.
func (r *Rerunner) Notify(ctx context.Context, ev events.Event) error {
	if ev.Kind != events.BookingMatched || ev.Booking == nil || ev.Booking.GitHub == nil {
		return nil
	}
	return r.Rerun(ctx, *ev.Booking.GitHub)
}
