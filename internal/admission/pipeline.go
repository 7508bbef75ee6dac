// Package admission decides whether an untrusted form post becomes a stored
// submission. Admit runs a fixed sequence of checks and stops at the first
// failure; only a request that passes every check is persisted and fanned
// out to the integration queue.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"formgate/internal/admission/challenge"
	"formgate/internal/admission/csrf"
	"formgate/internal/admission/metrics"
	"formgate/internal/admission/origin"
	"formgate/internal/admission/settings"
	"formgate/internal/admission/whitelist"
	"formgate/internal/forms/models"
	"formgate/internal/integrations/queue"
	"formgate/internal/sentinel"
	throttlemetrics "formgate/internal/throttle/metrics"
	throttle "formgate/internal/throttle/models"
	id "formgate/pkg/domain"
	"formgate/pkg/platform/privacy"
	"formgate/pkg/platform/useragent"
	"formgate/pkg/requestcontext"
)

// Header names consulted besides Origin/Referer.
const (
	HeaderCSRFToken = "X-CSRF-Token"
	HeaderChallenge = "X-Altcha-Spam-Filter"
)

// DefaultMaxBodyBytes is the hard ceiling applied before any form is loaded.
const DefaultMaxBodyBytes int64 = 5 << 20

type FormStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.Form, error)
}

type OrganizationStore interface {
	FindByID(ctx context.Context, orgID id.OrganizationID) (*models.Organization, error)
	ListDomains(ctx context.Context, orgID id.OrganizationID) ([]*models.WhitelistedDomain, error)
}

// ThrottleStore must make each call atomic per key.
type ThrottleStore interface {
	CheckSpacing(ctx context.Context, key throttle.Key, minGap time.Duration) (throttle.SpacingResult, error)
	CheckRateLimit(ctx context.Context, key throttle.Key, limits throttle.Limits) (throttle.RateLimitResult, error)
	// RecordSubmission stamps the spacing clock only if minGap still holds
	// under the key's lock; a lost race comes back as not Allowed.
	RecordSubmission(ctx context.Context, key throttle.Key, minGap time.Duration) (throttle.SpacingResult, error)
}

type SubmissionStore interface {
	Create(ctx context.Context, sub *models.Submission) error
}

type IntegrationStore interface {
	ListEnabledForForm(ctx context.Context, orgID id.OrganizationID, formID id.FormID) ([]*models.Integration, error)
}

type Queue interface {
	Enqueue(ctx context.Context, jobs []queue.Job) error
}

type TokenService interface {
	Enabled() bool
	Issue(ctx context.Context, submitHash, origin string) (csrf.Token, error)
	Verify(ctx context.Context, token, submitHash, origin string) bool
}

type ChallengeService interface {
	Issue(ctx context.Context) (challenge.Challenge, error)
	Verify(ctx context.Context, payload string) bool
}

// Dependencies are the collaborators Admit consults. All are required.
type Dependencies struct {
	Forms         FormStore
	Organizations OrganizationStore
	Throttle      ThrottleStore
	Submissions   SubmissionStore
	Integrations  IntegrationStore
	Queue         Queue
	CSRF          TokenService
	Challenge     ChallengeService
}

// Config is fixed at startup.
type Config struct {
	// MaxBodyBytes is the ceiling checked before the form is known.
	MaxBodyBytes int64
	Defaults     settings.Defaults
}

// Request is one inbound POST. ContentLength is -1 when unknown.
type Request struct {
	Identifier    string
	Header        http.Header
	ContentLength int64
	Body          io.Reader
	ClientIP      string
	UserAgent     string
}

// Result describes an admitted submission.
type Result struct {
	Submission *models.Submission
	Jobs       int
	// RateLimit is nil when rate limiting is disabled for the form.
	RateLimit *throttle.RateLimitResult
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func WithThrottleMetrics(m *throttlemetrics.Metrics) Option {
	return func(p *Pipeline) {
		p.throttleMetrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

type Pipeline struct {
	deps            Dependencies
	cfg             Config
	logger          *slog.Logger
	metrics         *metrics.Metrics
	throttleMetrics *throttlemetrics.Metrics
	tracer          trace.Tracer
}

// New panics if a dependency is missing; the pipeline is built once at
// startup.
func New(deps Dependencies, cfg Config, opts ...Option) *Pipeline {
	switch {
	case deps.Forms == nil:
		panic("admission.New: form store is required")
	case deps.Organizations == nil:
		panic("admission.New: organization store is required")
	case deps.Throttle == nil:
		panic("admission.New: throttle store is required")
	case deps.Submissions == nil:
		panic("admission.New: submission store is required")
	case deps.Integrations == nil:
		panic("admission.New: integration store is required")
	case deps.Queue == nil:
		panic("admission.New: queue is required")
	case deps.CSRF == nil:
		panic("admission.New: csrf service is required")
	case deps.Challenge == nil:
		panic("admission.New: challenge service is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	p := &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("formgate/admission"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit runs the admission checks for req. Every failure is a *Rejection.
//
// Side effects happen where the check that owns them passes: a request that
// clears the rate limit has consumed quota even if its content is then
// rejected. The spacing timestamp is only written for accepted submissions.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "admission.Admit",
		trace.WithAttributes(attribute.String("form.identifier", req.Identifier)))

	res, rej := p.admit(ctx, req)

	p.finish(ctx, span, req, rej, time.Since(start))
	if rej != nil {
		return nil, rej
	}
	return res, nil
}

func (p *Pipeline) admit(ctx context.Context, req Request) (*Result, *Rejection) {
	now := requestcontext.Now(ctx)

	if req.ContentLength > p.cfg.MaxBodyBytes {
		return nil, reject(KindBodyTooLarge)
	}

	form, org, rej := p.loadForm(ctx, req.Identifier)
	if rej != nil {
		return nil, rej
	}

	eff := settings.Resolve(form, org, p.cfg.Defaults)

	mediaType, params, ok := parseMediaType(req.Header.Get("Content-Type"))
	if !ok {
		return nil, reject(KindInvalidContentType)
	}

	if req.ContentLength > eff.MaxRequestSizeBytes {
		return nil, &Rejection{Kind: KindBodyTooLarge, Limit: eff.MaxRequestSizeBytes}
	}
	readLimit := min(eff.MaxRequestSizeBytes, p.cfg.MaxBodyBytes)
	fields, err := decodeFields(mediaType, params, req.Body, readLimit)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, &Rejection{Kind: KindBodyTooLarge, Limit: readLimit}
		}
		return nil, &Rejection{Kind: KindInvalidBody, Err: err}
	}

	reqOrigin, hasOrigin := origin.Resolve(req.Header, eff.RefererFallbackEnabled)

	if eff.CsrfEnabled {
		if !p.deps.CSRF.Enabled() {
			return nil, fault(KindConfigurationError, errors.New("csrf required by form but no secret is configured"))
		}
		if !hasOrigin {
			return nil, reject(KindOriginRequired)
		}
		token := firstNonEmpty(fields.String(FieldCSRFToken), fields.String(FieldCSRFAlias), req.Header.Get(HeaderCSRFToken))
		if token == "" || !p.deps.CSRF.Verify(ctx, token, form.Identifier, reqOrigin) {
			return nil, reject(KindInvalidCsrf)
		}
	}

	if payload := firstNonEmpty(fields.String(FieldChallenge), req.Header.Get(HeaderChallenge)); payload != "" {
		if !p.deps.Challenge.Verify(ctx, payload) {
			return nil, reject(KindInvalidChallenge)
		}
	}

	allowed, err := p.originAllowed(ctx, org.ID, reqOrigin)
	if err != nil {
		return nil, fault(KindLookupFailed, err)
	}
	if !allowed {
		return nil, reject(KindOriginNotWhitelisted)
	}

	key := throttle.NewKey(req.ClientIP, form.ID)

	var minGap time.Duration
	if eff.MinTimeBetweenSubmissionsEnabled {
		minGap = eff.MinTimeBetweenSubmissions()
		spacing, err := p.deps.Throttle.CheckSpacing(ctx, key, minGap)
		if err != nil {
			return nil, fault(KindLookupFailed, err)
		}
		if !spacing.Allowed {
			return nil, p.spacingRejection(spacing)
		}
	}

	var rate *throttle.RateLimitResult
	if eff.RateLimitEnabled {
		res, err := p.deps.Throttle.CheckRateLimit(ctx, key, throttle.Limits{
			MaxPerWindow: eff.RateLimitMaxRequests,
			Window:       eff.RateLimitWindow(),
			MaxPerHour:   eff.RateLimitMaxRequestsPerHour,
		})
		if err != nil {
			return nil, fault(KindLookupFailed, err)
		}
		if !res.Allowed {
			rej := &Rejection{
				Kind:        KindTooManyRequests,
				Limit:       int64(res.Limit),
				ResetAt:     res.ResetAt,
				WaitSeconds: res.RetryAfterSeconds(now),
				Throttle:    ThrottleWindow,
			}
			outcome := throttlemetrics.OutcomeRejectedWindow
			if res.Exceeded == throttle.WindowHourly {
				rej.Throttle = ThrottleHourly
				outcome = throttlemetrics.OutcomeRejectedHourly
			}
			p.throttleDecision(outcome)
			return nil, rej
		}
		p.throttleDecision(throttlemetrics.OutcomeAllowed)
		rate = &res
	}

	data := fields.Data()
	message := FormatMessage(data)
	if message == "" {
		return nil, reject(KindEmptySubmission)
	}
	if messageTooLong(message) {
		return nil, &Rejection{Kind: KindSubmissionTooLarge, Limit: MaxMessageLength}
	}

	return p.commit(ctx, commitInput{
		form:    form,
		orgID:   org.ID,
		key:     key,
		minGap:  minGap,
		data:    data,
		message: message,
		origin:  reqOrigin,
		req:     req,
		now:     now,
		rate:    rate,
	})
}

type commitInput struct {
	form    *models.Form
	orgID   id.OrganizationID
	key     throttle.Key
	minGap  time.Duration
	data    Fields
	message string
	origin  string
	req     Request
	now     time.Time
	rate    *throttle.RateLimitResult
}

// commit claims the spacing slot, stores the submission and enqueues one
// job per applicable integration. A request that loses the slot to a
// concurrent submission is rejected before anything is stored. Once the
// submission is stored, a failure to schedule integrations is reported as
// QueueUnavailable.
func (p *Pipeline) commit(ctx context.Context, in commitInput) (*Result, *Rejection) {
	claim, err := p.deps.Throttle.RecordSubmission(ctx, in.key, in.minGap)
	if err != nil {
		return nil, fault(KindPersistenceFailed, err)
	}
	if !claim.Allowed {
		return nil, p.spacingRejection(claim)
	}

	raw, err := json.Marshal(in.data)
	if err != nil {
		return nil, fault(KindPersistenceFailed, err)
	}
	client := useragent.Parse(in.req.UserAgent)
	sub := &models.Submission{
		ID:             id.NewSubmissionID(),
		FormID:         in.form.ID,
		OrganizationID: in.orgID,
		Data:           raw,
		Message:        in.message,
		Origin:         in.origin,
		IPAddress:      in.req.ClientIP,
		UserAgent:      in.req.UserAgent,
		Browser:        client.Browser,
		OS:             client.OS,
		Mobile:         client.Mobile,
		CreatedAt:      in.now,
	}
	if err := p.deps.Submissions.Create(ctx, sub); err != nil {
		return nil, fault(KindPersistenceFailed, err)
	}
	if p.metrics != nil {
		p.metrics.IncrementPersisted()
	}

	integrations, err := p.deps.Integrations.ListEnabledForForm(ctx, in.orgID, in.form.ID)
	if err != nil {
		return nil, fault(KindQueueUnavailable, err)
	}
	applicable := integrations[:0:0]
	for _, integ := range integrations {
		if integ.AppliesTo(in.form.ID) {
			applicable = append(applicable, integ)
		}
	}

	jobs := queue.JobsFor(sub, applicable, in.now)
	if err := p.deps.Queue.Enqueue(ctx, jobs); err != nil {
		p.logger.ErrorContext(ctx, "submission stored but integration jobs not enqueued",
			"submission_id", sub.ID.String(),
			"jobs", len(jobs),
			"error", err,
		)
		return nil, fault(KindQueueUnavailable, err)
	}
	if p.metrics != nil && len(jobs) > 0 {
		p.metrics.AddIntegrationJobs(len(jobs))
	}

	return &Result{Submission: sub, Jobs: len(jobs), RateLimit: in.rate}, nil
}

// loadForm runs the form and organization checks shared by every collector
// endpoint.
func (p *Pipeline) loadForm(ctx context.Context, identifier string) (*models.Form, *models.Organization, *Rejection) {
	if !models.ValidIdentifier(identifier) {
		return nil, nil, reject(KindNotFound)
	}
	form, err := p.deps.Forms.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, reject(KindNotFound)
		}
		return nil, nil, fault(KindLookupFailed, err)
	}
	if !form.IsActive() {
		return nil, nil, reject(KindFormInactive)
	}
	if form.OrganizationID == nil {
		return nil, nil, fault(KindConfigurationError, errors.New("form has no organization"))
	}

	org, err := p.deps.Organizations.FindByID(ctx, *form.OrganizationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, fault(KindConfigurationError, errors.New("form references a missing organization"))
		}
		return nil, nil, fault(KindLookupFailed, err)
	}
	if !org.IsActive() {
		return nil, nil, reject(KindOrganizationInactive)
	}
	return form, org, nil
}

// originAllowed applies the organization's domain whitelist. A request with
// no resolvable origin fails a non-empty whitelist.
func (p *Pipeline) originAllowed(ctx context.Context, orgID id.OrganizationID, reqOrigin string) (bool, error) {
	domains, err := p.deps.Organizations.ListDomains(ctx, orgID)
	if err != nil {
		return false, err
	}
	patterns := make([]string, 0, len(domains))
	for _, d := range domains {
		patterns = append(patterns, d.Domain)
	}
	return whitelist.IsAllowed(reqOrigin, patterns), nil
}

func (p *Pipeline) spacingRejection(res throttle.SpacingResult) *Rejection {
	p.throttleDecision(throttlemetrics.OutcomeRejectedSpacing)
	return &Rejection{
		Kind:        KindTooManyRequests,
		Throttle:    ThrottleSpacing,
		WaitSeconds: res.WaitSeconds,
	}
}

func (p *Pipeline) throttleDecision(outcome string) {
	if p.throttleMetrics != nil {
		p.throttleMetrics.IncrementDecision(outcome)
	}
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, req Request, rej *Rejection, elapsed time.Duration) {
	defer span.End()

	outcome := metrics.OutcomeAdmitted
	if rej != nil {
		outcome = rej.Kind.String()
	}
	span.SetAttributes(attribute.String("admission.outcome", outcome))
	if p.metrics != nil {
		p.metrics.IncrementDecision(outcome)
		p.metrics.ObserveDuration(elapsed)
	}
	if rej == nil {
		return
	}

	attrs := []any{
		"event", "submission_rejected",
		"reason", outcome,
		"form_identifier", req.Identifier,
		"request_id", requestcontext.RequestID(ctx),
		"ip_prefix", privacy.AnonymizeIP(req.ClientIP),
	}
	if rej.ServerFault() {
		span.RecordError(rej)
		span.SetStatus(codes.Error, outcome)
		p.logger.ErrorContext(ctx, "submission rejected", append(attrs, "error", rej.Err)...)
		return
	}
	p.logger.InfoContext(ctx, "submission rejected", attrs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
