package admission

//go:generate mockgen -source=pipeline.go -destination=mocks/pipeline_mock.go -package=mocks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"formgate/internal/admission/challenge"
	"formgate/internal/admission/csrf"
	"formgate/internal/admission/metrics"
	"formgate/internal/admission/settings"
	"formgate/internal/forms/models"
	formstore "formgate/internal/forms/store/form"
	integrationstore "formgate/internal/forms/store/integration"
	orgstore "formgate/internal/forms/store/organization"
	submissionstore "formgate/internal/forms/store/submission"
	"formgate/internal/integrations/queue"
	throttlemetrics "formgate/internal/throttle/metrics"
	throttlemodels "formgate/internal/throttle/models"
	throttle "formgate/internal/throttle/store/memory"
	id "formgate/pkg/domain"
	"formgate/pkg/requestcontext"
	fixtures "formgate/pkg/testutil"
)

const (
	testOrigin = "https://shop.example.com"
	testIP     = "203.0.113.7"
	chromeUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type recordingQueue struct {
	mu      sync.Mutex
	batches [][]queue.Job
	err     error
}

func (q *recordingQueue) Enqueue(_ context.Context, jobs []queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.batches = append(q.batches, jobs)
	return nil
}

func (q *recordingQueue) jobs() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var all []queue.Job
	for _, b := range q.batches {
		all = append(all, b...)
	}
	return all
}

// PipelineSuite drives Admit against the in-memory stores.
//
// Justification: the ordering of checks and where side effects land are the
// security contract of the collector. These tests pin the order, the
// throttle arithmetic and the commit semantics end to end.
type PipelineSuite struct {
	suite.Suite
	now          time.Time
	forms        *formstore.InMemory
	orgs         *orgstore.InMemory
	submissions  *submissionstore.InMemory
	integrations *integrationstore.InMemory
	throttle     *throttle.Store
	queue        *recordingQueue
	csrf         *csrf.Service
	challenge    *challenge.Service
	metrics      *metrics.Metrics
	pipeline     *Pipeline
	org          *models.Organization
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.forms = formstore.NewInMemory()
	s.orgs = orgstore.NewInMemory()
	s.submissions = submissionstore.NewInMemory()
	s.integrations = integrationstore.NewInMemory()
	s.throttle = throttle.New()
	s.queue = &recordingQueue{}

	var err error
	s.csrf, err = csrf.New([]byte("0123456789abcdef0123456789abcdef"), 30*time.Minute)
	s.Require().NoError(err)
	s.challenge = challenge.New([]byte("challenge-key"), challenge.WithMaxNumber(1000))
	s.metrics = metrics.New(prometheus.NewRegistry())

	s.org = fixtures.NewOrganizationBuilder().Build()
	s.Require().NoError(s.orgs.Create(context.Background(), s.org))
	s.pipeline = s.newPipeline(s.csrf)
}

func (s *PipelineSuite) newPipeline(tokens TokenService) *Pipeline {
	return New(Dependencies{
		Forms:         s.forms,
		Organizations: s.orgs,
		Throttle:      s.throttle,
		Submissions:   s.submissions,
		Integrations:  s.integrations,
		Queue:         s.queue,
		CSRF:          tokens,
		Challenge:     s.challenge,
	}, Config{MaxBodyBytes: 1 << 20, Defaults: settings.BuiltinDefaults()},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
		WithThrottleMetrics(throttlemetrics.New(prometheus.NewRegistry())),
	)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *PipelineSuite) ctxAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *PipelineSuite) addForm(identifier string, sec models.SecurityOverrides) *models.Form {
	f := fixtures.NewFormBuilder().
		WithID(id.NewFormID()).
		WithIdentifier(identifier).
		WithOrganization(s.org.ID).
		WithSecurity(sec).
		Build()
	s.Require().NoError(s.forms.Create(context.Background(), f))
	return f
}

// openForm has every optional check switched off.
func (s *PipelineSuite) openForm(identifier string) *models.Form {
	return s.addForm(identifier, models.SecurityOverrides{
		RateLimitEnabled:                 fixtures.Ptr(false),
		MinTimeBetweenSubmissionsEnabled: fixtures.Ptr(false),
	})
}

func jsonRequest(identifier string, fields map[string]any) Request {
	body, _ := json.Marshal(fields)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Origin", testOrigin)
	return Request{
		Identifier:    identifier,
		Header:        h,
		ContentLength: int64(len(body)),
		Body:          bytes.NewReader(body),
		ClientIP:      testIP,
		UserAgent:     chromeUA,
	}
}

func (s *PipelineSuite) admitAt(t time.Time, req Request) (*Result, *Rejection) {
	res, err := s.pipeline.Admit(s.ctxAt(t), req)
	if err == nil {
		return res, nil
	}
	var rej *Rejection
	s.Require().True(errors.As(err, &rej), "Admit must return a *Rejection, got %T", err)
	return nil, rej
}

func (s *PipelineSuite) requireKind(kind Kind, req Request) *Rejection {
	_, rej := s.admitAt(s.now, req)
	s.Require().NotNil(rej, "expected %s", kind)
	s.Require().Equal(kind, rej.Kind, "got %s", rej.Kind)
	return rej
}

func (s *PipelineSuite) issueToken(identifier string, at time.Time) string {
	h := http.Header{}
	h.Set("Origin", testOrigin)
	tok, err := s.pipeline.IssueToken(s.ctxAt(at), identifier, h)
	s.Require().NoError(err)
	return tok.Value
}

// =============================================================================
// End-to-end behaviour
// =============================================================================

func (s *PipelineSuite) TestCSRFProtectedFormWithSpacing() {
	s.addForm("contact", models.SecurityOverrides{
		CsrfEnabled:                      fixtures.Ptr(true),
		RateLimitEnabled:                 fixtures.Ptr(true),
		RateLimitMaxRequests:             fixtures.Ptr(10),
		RateLimitWindowSeconds:           fixtures.Ptr(60),
		RateLimitMaxRequestsPerHour:      fixtures.Ptr(50),
		MinTimeBetweenSubmissionsEnabled: fixtures.Ptr(true),
		MinTimeBetweenSubmissionsSeconds: fixtures.Ptr(10),
	})

	first := jsonRequest("contact", map[string]any{"name": "Test", "csrfToken": s.issueToken("contact", s.now)})
	res, rej := s.admitAt(s.now, first)
	s.Require().Nil(rej)
	s.Equal("name: Test", res.Submission.Message)
	s.JSONEq(`{"name":"Test"}`, string(res.Submission.Data), "control fields are not stored")

	second := jsonRequest("contact", map[string]any{"name": "Test", "csrfToken": s.issueToken("contact", s.now)})
	_, rej = s.admitAt(s.now, second)
	s.Require().NotNil(rej)
	s.Equal(KindTooManyRequests, rej.Kind)
	s.Equal(ThrottleSpacing, rej.Throttle)
	s.Equal(10, rej.WaitSeconds)
}

func (s *PipelineSuite) TestSubmissionMetadata() {
	f := s.openForm("meta")
	res, rej := s.admitAt(s.now, jsonRequest("meta", map[string]any{"email": "a@example.com"}))
	s.Require().Nil(rej)

	sub := res.Submission
	s.Equal(f.ID, sub.FormID)
	s.Equal(s.org.ID, sub.OrganizationID)
	s.Equal(testIP, sub.IPAddress)
	s.Equal(testOrigin, sub.Origin)
	s.Equal("Chrome", sub.Browser)
	s.Equal("Windows 10", sub.OS)
	s.False(sub.Mobile)
	s.Equal(s.now, sub.CreatedAt)
	s.Nil(res.RateLimit, "rate limit disabled")

	stored, err := s.submissions.FindByID(context.Background(), sub.ID)
	s.Require().NoError(err)
	s.Equal("email: a@example.com", stored.Message)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.AdmissionDecisionsTotal.WithLabelValues("admitted")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.SubmissionsPersistedTotal))
}

// =============================================================================
// Step order and rejection kinds
// =============================================================================

func (s *PipelineSuite) TestResourceChecks() {
	s.openForm("live")
	s.addForm("paused", models.SecurityOverrides{})
	paused, err := s.forms.FindByIdentifier(context.Background(), "paused")
	s.Require().NoError(err)
	s.Require().NoError(paused.Deactivate(s.now))
	s.Require().NoError(s.forms.Update(context.Background(), paused))

	legacy := fixtures.NewFormBuilder().WithID(id.NewFormID()).WithIdentifier("legacy").WithoutOrganization().Build()
	s.Require().NoError(s.forms.Create(context.Background(), legacy))

	dormant := fixtures.NewOrganizationBuilder().WithID(id.NewOrganizationID()).Inactive().Build()
	s.Require().NoError(s.orgs.Create(context.Background(), dormant))
	dormantForm := fixtures.NewFormBuilder().WithID(id.NewFormID()).WithIdentifier("dormant").WithOrganization(dormant.ID).Build()
	s.Require().NoError(s.forms.Create(context.Background(), dormantForm))

	s.Run("hard ceiling is checked before the form is looked up", func() {
		req := jsonRequest("missing", map[string]any{"name": "x"})
		req.ContentLength = 2 << 20
		rej := s.requireKind(KindBodyTooLarge, req)
		s.Zero(rej.Limit, "generic ceiling does not disclose a limit")
	})

	s.Run("unknown form", func() {
		s.requireKind(KindNotFound, jsonRequest("missing", map[string]any{"name": "x"}))
	})

	s.Run("identifier that can never exist", func() {
		s.requireKind(KindNotFound, jsonRequest("../etc/passwd", map[string]any{"name": "x"}))
	})

	s.Run("inactive form", func() {
		s.requireKind(KindFormInactive, jsonRequest("paused", map[string]any{"name": "x"}))
	})

	s.Run("form without organization is a server fault", func() {
		rej := s.requireKind(KindConfigurationError, jsonRequest("legacy", map[string]any{"name": "x"}))
		s.True(rej.ServerFault())
	})

	s.Run("inactive organization", func() {
		s.requireKind(KindOrganizationInactive, jsonRequest("dormant", map[string]any{"name": "x"}))
	})
}

func (s *PipelineSuite) TestBodyChecks() {
	s.addForm("small", models.SecurityOverrides{
		RateLimitEnabled:    fixtures.Ptr(false),
		MaxRequestSizeBytes: fixtures.Ptr(int64(64)),
	})
	big := map[string]any{"message": strings.Repeat("x", 200)}

	s.Run("unsupported content type", func() {
		req := jsonRequest("small", map[string]any{"name": "x"})
		req.Header.Set("Content-Type", "text/plain")
		s.requireKind(KindInvalidContentType, req)
	})

	s.Run("missing content type", func() {
		req := jsonRequest("small", map[string]any{"name": "x"})
		req.Header.Del("Content-Type")
		s.requireKind(KindInvalidContentType, req)
	})

	s.Run("declared length over the form limit reports the limit", func() {
		rej := s.requireKind(KindBodyTooLarge, jsonRequest("small", big))
		s.Equal(int64(64), rej.Limit)
	})

	s.Run("undeclared length is capped while reading", func() {
		req := jsonRequest("small", big)
		req.ContentLength = -1
		rej := s.requireKind(KindBodyTooLarge, req)
		s.Equal(int64(64), rej.Limit)
	})

	s.Run("undeclared length on a form above the hard ceiling reports the ceiling", func() {
		s.addForm("roomy", models.SecurityOverrides{
			RateLimitEnabled:    fixtures.Ptr(false),
			MaxRequestSizeBytes: fixtures.Ptr(int64(4 << 20)),
		})
		req := jsonRequest("roomy", map[string]any{"message": strings.Repeat("x", 2<<20)})
		req.ContentLength = -1
		rej := s.requireKind(KindBodyTooLarge, req)
		s.Equal(int64(1<<20), rej.Limit)
	})

	s.Run("malformed json", func() {
		req := jsonRequest("small", nil)
		req.Body = strings.NewReader(`{"name":`)
		req.ContentLength = 8
		s.requireKind(KindInvalidBody, req)
	})

	s.Run("json array is not a field set", func() {
		req := jsonRequest("small", nil)
		req.Body = strings.NewReader(`["a"]`)
		req.ContentLength = 5
		s.requireKind(KindInvalidBody, req)
	})
}

func (s *PipelineSuite) TestCSRFChecks() {
	s.addForm("guarded", models.SecurityOverrides{
		CsrfEnabled:      fixtures.Ptr(true),
		RateLimitEnabled: fixtures.Ptr(false),
	})

	s.Run("origin is required before the token is looked at", func() {
		req := jsonRequest("guarded", map[string]any{"name": "x", "csrfToken": "anything"})
		req.Header.Del("Origin")
		s.requireKind(KindOriginRequired, req)
	})

	s.Run("referer counts only when fallback is enabled", func() {
		req := jsonRequest("guarded", map[string]any{"name": "x"})
		req.Header.Del("Origin")
		req.Header.Set("Referer", testOrigin+"/contact")
		s.requireKind(KindOriginRequired, req)
	})

	s.Run("missing token", func() {
		s.requireKind(KindInvalidCsrf, jsonRequest("guarded", map[string]any{"name": "x"}))
	})

	s.Run("garbage token", func() {
		s.requireKind(KindInvalidCsrf, jsonRequest("guarded", map[string]any{"name": "x", "csrfToken": "abc.def"}))
	})

	s.Run("token bound to another origin", func() {
		req := jsonRequest("guarded", map[string]any{"name": "x", "csrfToken": s.issueToken("guarded", s.now)})
		req.Header.Set("Origin", "https://other.example.com")
		s.requireKind(KindInvalidCsrf, req)
	})

	s.Run("expired token", func() {
		tok := s.issueToken("guarded", s.now.Add(-31*time.Minute))
		s.requireKind(KindInvalidCsrf, jsonRequest("guarded", map[string]any{"name": "x", "csrfToken": tok}))
	})

	s.Run("token accepted from the _csrf alias", func() {
		_, rej := s.admitAt(s.now, jsonRequest("guarded", map[string]any{"name": "x", "_csrf": s.issueToken("guarded", s.now)}))
		s.Nil(rej)
	})

	s.Run("token accepted from the header", func() {
		req := jsonRequest("guarded", map[string]any{"name": "x"})
		req.Header.Set(HeaderCSRFToken, s.issueToken("guarded", s.now))
		_, rej := s.admitAt(s.now, req)
		s.Nil(rej)
	})

	s.Run("a token may be replayed within its lifetime", func() {
		tok := s.issueToken("guarded", s.now)
		for range 2 {
			_, rej := s.admitAt(s.now, jsonRequest("guarded", map[string]any{"name": "x", "csrfToken": tok}))
			s.Nil(rej)
		}
	})
}

func (s *PipelineSuite) TestCSRFWithoutSecret() {
	s.addForm("guarded", models.SecurityOverrides{CsrfEnabled: fixtures.Ptr(true)})
	s.pipeline = s.newPipeline(csrf.Disabled())

	rej := s.requireKind(KindConfigurationError, jsonRequest("guarded", map[string]any{"name": "x", "csrfToken": "t"}))
	s.True(rej.ServerFault())
	s.NotContains(rej.Error(), "0123456789abcdef", "secret never appears in errors")

	s.Run("forms without csrf still work", func() {
		s.openForm("open")
		_, rej := s.admitAt(s.now, jsonRequest("open", map[string]any{"name": "x"}))
		s.Nil(rej)
	})
}

func (s *PipelineSuite) TestChallengeChecks() {
	s.openForm("pow")
	ch, err := s.challenge.Issue(s.ctxAt(s.now))
	s.Require().NoError(err)
	solution, ok := challenge.Solve(ch)
	s.Require().True(ok)

	s.Run("absent payload skips the gate", func() {
		_, rej := s.admitAt(s.now, jsonRequest("pow", map[string]any{"name": "x"}))
		s.Nil(rej)
	})

	s.Run("invalid body payload", func() {
		s.requireKind(KindInvalidChallenge, jsonRequest("pow", map[string]any{"name": "x", "altcha": "bm90LWpzb24="}))
	})

	s.Run("invalid header payload", func() {
		req := jsonRequest("pow", map[string]any{"name": "x"})
		req.Header.Set(HeaderChallenge, "junk")
		s.requireKind(KindInvalidChallenge, req)
	})

	s.Run("valid solution in body", func() {
		res, rej := s.admitAt(s.now, jsonRequest("pow", map[string]any{"name": "x", "altcha": solution}))
		s.Require().Nil(rej)
		s.JSONEq(`{"name":"x"}`, string(res.Submission.Data))
	})

	s.Run("valid solution in header", func() {
		req := jsonRequest("pow", map[string]any{"name": "x"})
		req.Header.Set(HeaderChallenge, solution)
		_, rej := s.admitAt(s.now, req)
		s.Nil(rej)
	})
}

func (s *PipelineSuite) TestWhitelist() {
	s.openForm("wl")
	s.Require().NoError(s.orgs.AddDomain(context.Background(), &models.WhitelistedDomain{
		ID: id.NewDomainID(), OrganizationID: s.org.ID, Domain: "example.com",
	}))

	cases := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.com", true},
		{"https://example.com.evil.net", true}, // substring match is the documented behaviour
		{"http://localhost:5173", true},
		{"https://other.org", false},
		{"", false},
	}
	for _, tc := range cases {
		s.Run(tc.origin, func() {
			req := jsonRequest("wl", map[string]any{"name": "x"})
			req.Header.Set("Origin", tc.origin)
			_, rej := s.admitAt(s.now, req)
			if tc.allowed {
				s.Nil(rej)
				return
			}
			s.Require().NotNil(rej)
			s.Equal(KindOriginNotWhitelisted, rej.Kind)
		})
	}
}

func (s *PipelineSuite) TestContentChecks() {
	s.openForm("content")

	s.Run("empty object", func() {
		s.requireKind(KindEmptySubmission, jsonRequest("content", map[string]any{}))
	})

	s.Run("only blank values and control fields", func() {
		s.requireKind(KindEmptySubmission, jsonRequest("content", map[string]any{"name": "  ", "csrfToken": "t"}))
	})

	s.Run("formatted message over the character ceiling", func() {
		rej := s.requireKind(KindSubmissionTooLarge, jsonRequest("content", map[string]any{"m": strings.Repeat("é", MaxMessageLength)}))
		s.Equal(int64(MaxMessageLength), rej.Limit)
	})

	s.Run("message exactly at the ceiling", func() {
		_, rej := s.admitAt(s.now, jsonRequest("content", map[string]any{"m": strings.Repeat("x", MaxMessageLength-3)}))
		s.Nil(rej)
	})
}

// =============================================================================
// Throttling
// =============================================================================

func (s *PipelineSuite) rateLimitedForm(identifier string, perWindow, windowSeconds, perHour int) {
	s.addForm(identifier, models.SecurityOverrides{
		RateLimitEnabled:            fixtures.Ptr(true),
		RateLimitMaxRequests:        fixtures.Ptr(perWindow),
		RateLimitWindowSeconds:      fixtures.Ptr(windowSeconds),
		RateLimitMaxRequestsPerHour: fixtures.Ptr(perHour),
	})
}

func (s *PipelineSuite) TestFixedWindow() {
	s.rateLimitedForm("rl", 10, 60, 50)

	for i := range 10 {
		res, rej := s.admitAt(s.now, jsonRequest("rl", map[string]any{"n": i}))
		s.Require().Nil(rej, "request %d", i+1)
		s.Equal(9-i, res.RateLimit.Remaining)
	}

	rej := s.requireKind(KindTooManyRequests, jsonRequest("rl", map[string]any{"n": 11}))
	s.Equal(ThrottleWindow, rej.Throttle)
	s.Equal(61, rej.WaitSeconds)
	s.Equal(s.now.Add(time.Minute), rej.ResetAt)
	s.Equal(int64(10), rej.Limit)

	s.Run("still closed at exactly the window length", func() {
		_, rej := s.admitAt(s.now.Add(60*time.Second), jsonRequest("rl", map[string]any{"n": 12}))
		s.Require().NotNil(rej)
	})

	s.Run("window resets once it has elapsed", func() {
		res, rej := s.admitAt(s.now.Add(61*time.Second), jsonRequest("rl", map[string]any{"n": 13}))
		s.Require().Nil(rej)
		s.Equal(9, res.RateLimit.Remaining)
	})

	s.Run("other clients are unaffected", func() {
		req := jsonRequest("rl", map[string]any{"n": 14})
		req.ClientIP = "198.51.100.1"
		_, rej := s.admitAt(s.now, req)
		s.Nil(rej)
	})
}

func (s *PipelineSuite) TestHourlyCeiling() {
	s.rateLimitedForm("hourly", 10, 60, 50)

	for w := range 5 {
		at := s.now.Add(time.Duration(w) * 61 * time.Second)
		for i := range 10 {
			_, rej := s.admitAt(at, jsonRequest("hourly", map[string]any{"w": w, "i": i}))
			s.Require().Nil(rej, "window %d request %d", w, i)
		}
	}

	at := s.now.Add(5 * 61 * time.Second)
	_, rej := s.admitAt(at, jsonRequest("hourly", map[string]any{"n": 51}))
	s.Require().NotNil(rej)
	s.Equal(KindTooManyRequests, rej.Kind)
	s.Equal(ThrottleHourly, rej.Throttle)
	s.Equal(s.now.Add(time.Hour), rej.ResetAt)
	s.Equal(int64(50), rej.Limit)
}

func (s *PipelineSuite) TestMinimumSpacing() {
	s.addForm("spaced", models.SecurityOverrides{
		RateLimitEnabled:                 fixtures.Ptr(false),
		MinTimeBetweenSubmissionsEnabled: fixtures.Ptr(true),
		MinTimeBetweenSubmissionsSeconds: fixtures.Ptr(10),
	})

	s.Run("one second apart", func() {
		req := jsonRequest("spaced", map[string]any{"n": 1})
		req.ClientIP = "192.0.2.1"
		_, rej := s.admitAt(s.now, req)
		s.Require().Nil(rej)

		req = jsonRequest("spaced", map[string]any{"n": 2})
		req.ClientIP = "192.0.2.1"
		_, rej = s.admitAt(s.now.Add(time.Second), req)
		s.Require().NotNil(rej)
		s.Equal(ThrottleSpacing, rej.Throttle)
		s.Equal(9, rej.WaitSeconds)
	})

	s.Run("eleven seconds apart", func() {
		req := jsonRequest("spaced", map[string]any{"n": 1})
		req.ClientIP = "192.0.2.2"
		_, rej := s.admitAt(s.now, req)
		s.Require().Nil(rej)

		req = jsonRequest("spaced", map[string]any{"n": 2})
		req.ClientIP = "192.0.2.2"
		_, rej = s.admitAt(s.now.Add(11*time.Second), req)
		s.Nil(rej)
	})

	s.Run("a rejected request does not start the spacing clock", func() {
		req := jsonRequest("spaced", map[string]any{})
		req.ClientIP = "192.0.2.3"
		_, rej := s.admitAt(s.now, req)
		s.Require().NotNil(rej)
		s.Equal(KindEmptySubmission, rej.Kind)

		req = jsonRequest("spaced", map[string]any{"n": 1})
		req.ClientIP = "192.0.2.3"
		_, rej = s.admitAt(s.now, req)
		s.Nil(rej)
	})
}

func (s *PipelineSuite) TestQuotaConsumedByLaterRejection() {
	s.rateLimitedForm("quota", 10, 60, 50)

	_, rej := s.admitAt(s.now, jsonRequest("quota", map[string]any{}))
	s.Require().NotNil(rej)
	s.Equal(KindEmptySubmission, rej.Kind)

	res, rej := s.admitAt(s.now, jsonRequest("quota", map[string]any{"name": "x"}))
	s.Require().Nil(rej)
	s.Equal(8, res.RateLimit.Remaining, "the empty submission used one slot")
}

func (s *PipelineSuite) TestConcurrentSubmissionsShareOneQuota() {
	s.rateLimitedForm("burst", 10, 60, 50)

	var admitted, throttled atomic.Int64
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Go(func() {
			_, err := s.pipeline.Admit(s.ctxAt(s.now), jsonRequest("burst", map[string]any{"n": i}))
			var rej *Rejection
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.As(err, &rej) && rej.Kind == KindTooManyRequests:
				throttled.Add(1)
			}
		})
	}
	wg.Wait()

	s.Equal(int64(10), admitted.Load())
	s.Equal(int64(90), throttled.Load())
}

// slowSpacingStore widens the gap between the spacing check and the commit
// stamp the way a network round-trip to a shared store would.
type slowSpacingStore struct {
	*throttle.Store
}

func (st slowSpacingStore) CheckSpacing(ctx context.Context, key throttlemodels.Key, minGap time.Duration) (throttlemodels.SpacingResult, error) {
	res, err := st.Store.CheckSpacing(ctx, key, minGap)
	time.Sleep(time.Millisecond)
	return res, err
}

func (s *PipelineSuite) TestConcurrentSubmissionsShareOneSpacingSlot() {
	f := s.addForm("spaced", models.SecurityOverrides{
		RateLimitEnabled:                 fixtures.Ptr(false),
		MinTimeBetweenSubmissionsEnabled: fixtures.Ptr(true),
		MinTimeBetweenSubmissionsSeconds: fixtures.Ptr(10),
	})
	s.pipeline = New(Dependencies{
		Forms:         s.forms,
		Organizations: s.orgs,
		Throttle:      slowSpacingStore{Store: s.throttle},
		Submissions:   s.submissions,
		Integrations:  s.integrations,
		Queue:         s.queue,
		CSRF:          s.csrf,
		Challenge:     s.challenge,
	}, Config{MaxBodyBytes: 1 << 20, Defaults: settings.BuiltinDefaults()},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	var admitted, spaced atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range 50 {
		wg.Go(func() {
			<-start
			_, err := s.pipeline.Admit(s.ctxAt(s.now), jsonRequest("spaced", map[string]any{"n": i}))
			var rej *Rejection
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.As(err, &rej) && rej.Kind == KindTooManyRequests && rej.Throttle == ThrottleSpacing:
				spaced.Add(1)
			}
		})
	}
	close(start)
	wg.Wait()

	s.Equal(int64(1), admitted.Load())
	s.Equal(int64(49), spaced.Load())
	stored, err := s.submissions.CountByForm(context.Background(), f.ID)
	s.Require().NoError(err)
	s.Equal(1, stored, "only the submission that claimed the slot is stored")
}

// =============================================================================
// Commit
// =============================================================================

func (s *PipelineSuite) TestIntegrationFanOut() {
	f := s.openForm("fanout")
	other := id.NewFormID()
	ctx := context.Background()
	for _, in := range []*models.Integration{
		{ID: id.NewIntegrationID(), OrganizationID: s.org.ID, Type: models.IntegrationWebhook, Enabled: true},
		{ID: id.NewIntegrationID(), OrganizationID: s.org.ID, FormID: &f.ID, Type: models.IntegrationSlack, Enabled: true},
		{ID: id.NewIntegrationID(), OrganizationID: s.org.ID, Type: models.IntegrationEmail, Enabled: false},
		{ID: id.NewIntegrationID(), OrganizationID: s.org.ID, FormID: &other, Type: models.IntegrationDiscord, Enabled: true},
	} {
		s.Require().NoError(s.integrations.Create(ctx, in))
	}

	res, rej := s.admitAt(s.now, jsonRequest("fanout", map[string]any{"name": "x"}))
	s.Require().Nil(rej)
	s.Equal(2, res.Jobs)

	jobs := s.queue.jobs()
	s.Require().Len(jobs, 2)
	var types []models.IntegrationType
	for _, j := range jobs {
		s.Equal(res.Submission.ID, j.SubmissionID)
		s.Equal("name: x", j.Message)
		types = append(types, j.IntegrationType)
	}
	s.ElementsMatch([]models.IntegrationType{models.IntegrationWebhook, models.IntegrationSlack}, types)
}

func (s *PipelineSuite) TestNoIntegrationsIsSuccess() {
	s.openForm("quiet")
	res, rej := s.admitAt(s.now, jsonRequest("quiet", map[string]any{"name": "x"}))
	s.Require().Nil(rej)
	s.Zero(res.Jobs)
	s.Empty(s.queue.jobs())
}

func (s *PipelineSuite) TestQueueFailureAfterPersistence() {
	f := s.openForm("flaky")
	s.Require().NoError(s.integrations.Create(context.Background(), &models.Integration{
		ID: id.NewIntegrationID(), OrganizationID: s.org.ID, Type: models.IntegrationWebhook, Enabled: true,
	}))
	s.queue.err = queue.ErrUnavailable

	rej := s.requireKind(KindQueueUnavailable, jsonRequest("flaky", map[string]any{"name": "x"}))
	s.ErrorIs(rej, queue.ErrUnavailable)

	count, err := s.submissions.CountByForm(context.Background(), f.ID)
	s.Require().NoError(err)
	s.Equal(1, count, "submission stays stored")
}

// =============================================================================
// Body encodings
// =============================================================================

func (s *PipelineSuite) TestURLEncodedBody() {
	s.openForm("urlenc")
	body := url.Values{"name": {"Ada"}, "topics": {"a", "b"}}.Encode()
	req := jsonRequest("urlenc", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Body = strings.NewReader(body)
	req.ContentLength = int64(len(body))

	res, rej := s.admitAt(s.now, req)
	s.Require().Nil(rej)
	s.Equal("name: Ada\ntopics: a, b", res.Submission.Message)
}

func (s *PipelineSuite) TestMultipartBody() {
	s.openForm("multi")
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	s.Require().NoError(w.WriteField("name", "Ada"))
	fw, err := w.CreateFormFile("resume", "cv.pdf")
	s.Require().NoError(err)
	_, _ = fw.Write([]byte("%PDF-1.4"))
	s.Require().NoError(w.Close())

	req := jsonRequest("multi", nil)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Body = &buf
	req.ContentLength = int64(buf.Len())

	res, rej := s.admitAt(s.now, req)
	s.Require().Nil(rej)
	s.Equal("name: Ada", res.Submission.Message, "file parts are ignored")
}

// =============================================================================
// Issuance
// =============================================================================

func (s *PipelineSuite) TestIssueToken() {
	s.openForm("issue")
	s.Require().NoError(s.orgs.AddDomain(context.Background(), &models.WhitelistedDomain{
		ID: id.NewDomainID(), OrganizationID: s.org.ID, Domain: "example.com",
	}))

	issue := func(header http.Header) (csrf.Token, *Rejection) {
		tok, err := s.pipeline.IssueToken(s.ctxAt(s.now), "issue", header)
		if err == nil {
			return tok, nil
		}
		var rej *Rejection
		s.Require().True(errors.As(err, &rej))
		return tok, rej
	}

	s.Run("bound to identifier and origin", func() {
		h := http.Header{"Origin": {testOrigin}}
		tok, rej := issue(h)
		s.Require().Nil(rej)
		s.Equal(s.now.Add(30*time.Minute), tok.ExpiresAt)
		s.True(s.csrf.Verify(s.ctxAt(s.now), tok.Value, "issue", testOrigin))
	})

	s.Run("origin required", func() {
		_, rej := issue(http.Header{})
		s.Require().NotNil(rej)
		s.Equal(KindOriginRequired, rej.Kind)
	})

	s.Run("origin not whitelisted", func() {
		_, rej := issue(http.Header{"Origin": {"https://other.org"}})
		s.Require().NotNil(rej)
		s.Equal(KindOriginNotWhitelisted, rej.Kind)
	})

	s.Run("unknown form", func() {
		_, err := s.pipeline.IssueToken(s.ctxAt(s.now), "nope", http.Header{"Origin": {testOrigin}})
		var rej *Rejection
		s.Require().True(errors.As(err, &rej))
		s.Equal(KindNotFound, rej.Kind)
	})

	s.Run("not configured", func() {
		p := s.newPipeline(csrf.Disabled())
		_, err := p.IssueToken(s.ctxAt(s.now), "issue", http.Header{"Origin": {testOrigin}})
		var rej *Rejection
		s.Require().True(errors.As(err, &rej))
		s.Equal(KindNotConfigured, rej.Kind)
	})
}

func (s *PipelineSuite) TestIssueChallenge() {
	s.openForm("pow")

	ch, err := s.pipeline.IssueChallenge(s.ctxAt(s.now), "pow")
	s.Require().NoError(err)
	s.Equal(challenge.AlgorithmSHA256, ch.Algorithm)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ChallengesIssuedTotal))

	_, err = s.pipeline.IssueChallenge(s.ctxAt(s.now), "nope")
	var rej *Rejection
	s.Require().True(errors.As(err, &rej))
	s.Equal(KindNotFound, rej.Kind)
}
