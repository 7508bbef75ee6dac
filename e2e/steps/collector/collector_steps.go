package collector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"formgate/internal/admission"
	"formgate/internal/admission/challenge"
	"formgate/internal/forms/models"
	formstore "formgate/internal/forms/store/form"
	integrationstore "formgate/internal/forms/store/integration"
	orgstore "formgate/internal/forms/store/organization"
	"formgate/internal/integrations/queue"
	"formgate/internal/platform/kafka/producer"
	id "formgate/pkg/domain"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Do(method, path, contentType string, body []byte, headers map[string]string) error
	GET(path string, headers map[string]string) error
	POSTJSON(path, body string, headers map[string]string) error
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	Now() time.Time

	GetOrganization() *models.Organization
	SetOrganization(org *models.Organization)
	OrganizationStore() *orgstore.InMemory
	FormStore() *formstore.InMemory
	IntegrationStore() *integrationstore.InMemory
	SubmissionCount(identifier string) (int, error)
	PublishedMessages() []*producer.Message
	SetQueueFailing(fail bool)

	GetCSRFToken() string
	SetCSRFToken(token string)
	GetChallenge() challenge.Challenge
	SetChallenge(ch challenge.Challenge)
	SetClientIP(ip string)
	AdminToken() (string, error)
}

// RegisterSteps registers collector fixtures, submissions and assertions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &collectorSteps{tc: tc}

	// Fixtures
	ctx.Step(`^an organization "([^"]*)" whitelisting "([^"]*)"$`, steps.organizationWhitelisting)
	ctx.Step(`^the organization is inactive$`, steps.organizationIsInactive)
	ctx.Step(`^a form "([^"]*)"$`, steps.aForm)
	ctx.Step(`^a form "([^"]*)" with CSRF protection$`, steps.aFormWithCSRF)
	ctx.Step(`^a form "([^"]*)" limited to (\d+) submissions? per (\d+) seconds$`, steps.aFormWithRateLimit)
	ctx.Step(`^a form "([^"]*)" limited to (\d+) submissions? per hour$`, steps.aFormWithHourlyLimit)
	ctx.Step(`^a form "([^"]*)" requiring (\d+) seconds between submissions$`, steps.aFormWithSpacing)
	ctx.Step(`^a form "([^"]*)" accepting at most (\d+) bytes$`, steps.aFormWithSizeLimit)
	ctx.Step(`^the form "([^"]*)" is inactive$`, steps.formIsInactive)
	ctx.Step(`^an? "([^"]*)" integration for the organization$`, steps.integrationForOrganization)
	ctx.Step(`^the integration queue is down$`, steps.queueIsDown)
	ctx.Step(`^the client IP is "([^"]*)"$`, steps.clientIPIs)

	// Issuance
	ctx.Step(`^I request a CSRF token for "([^"]*)" from origin "([^"]*)"$`, steps.requestCSRFToken)
	ctx.Step(`^I request a challenge for "([^"]*)"$`, steps.requestChallenge)

	// Submissions
	ctx.Step(`^I submit '([^']*)' to "([^"]*)" from origin "([^"]*)"$`, steps.submitFromOrigin)
	ctx.Step(`^I submit '([^']*)' to "([^"]*)" without an origin$`, steps.submitWithoutOrigin)
	ctx.Step(`^I submit '([^']*)' to "([^"]*)" from origin "([^"]*)" with the CSRF token$`, steps.submitWithCSRF)
	ctx.Step(`^I submit '([^']*)' to "([^"]*)" from origin "([^"]*)" with the solved challenge$`, steps.submitWithSolvedChallenge)
	ctx.Step(`^I submit '([^']*)' to "([^"]*)" from origin "([^"]*)" with a forged challenge$`, steps.submitWithForgedChallenge)
	ctx.Step(`^I submit '([^']*)' to "([^"]*)" from origin "([^"]*)" as "([^"]*)"$`, steps.submitWithContentType)
	ctx.Step(`^I submit the url-encoded body "([^"]*)" to "([^"]*)" from origin "([^"]*)"$`, steps.submitURLEncoded)
	ctx.Step(`^I submit a (\d+) byte message to "([^"]*)" from origin "([^"]*)"$`, steps.submitLargeMessage)
	ctx.Step(`^I submit (\d+) times to "([^"]*)" from origin "([^"]*)"$`, steps.submitNTimes)
	ctx.Step(`^all of them should be accepted$`, steps.allAccepted)

	// Operator
	ctx.Step(`^I request throttle stats without credentials$`, steps.statsWithoutCredentials)
	ctx.Step(`^an operator resets the throttle for "([^"]*)" and IP "([^"]*)"$`, steps.operatorResetsThrottle)

	// Assertions
	ctx.Step(`^(\d+) submissions? should be stored for "([^"]*)"$`, steps.submissionsStored)
	ctx.Step(`^(\d+) integration jobs? should be published$`, steps.jobsPublished)
	ctx.Step(`^a "([^"]*)" job should be published$`, steps.jobOfTypePublished)
}

type collectorSteps struct {
	tc      TestContext
	results []int
}

// =============================================================================
// Fixtures
// =============================================================================

func (s *collectorSteps) organizationWhitelisting(ctx context.Context, name, domains string) error {
	now := s.tc.Now()
	org, err := models.NewOrganization(id.NewOrganizationID(), name, now)
	if err != nil {
		return err
	}
	if err := s.tc.OrganizationStore().Create(ctx, org); err != nil {
		return err
	}
	for domain := range strings.SplitSeq(domains, ",") {
		if domain = strings.TrimSpace(domain); domain == "" {
			continue
		}
		if err := s.tc.OrganizationStore().AddDomain(ctx, &models.WhitelistedDomain{
			ID:             id.NewDomainID(),
			OrganizationID: org.ID,
			Domain:         domain,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
	}
	s.tc.SetOrganization(org)
	return nil
}

func (s *collectorSteps) organizationIsInactive(ctx context.Context) error {
	org := s.tc.GetOrganization()
	if err := org.Deactivate(s.tc.Now()); err != nil {
		return err
	}
	return s.tc.OrganizationStore().Update(ctx, org)
}

func (s *collectorSteps) createForm(ctx context.Context, identifier string, security models.SecurityOverrides) error {
	org := s.tc.GetOrganization()
	if org == nil {
		return fmt.Errorf("no organization defined")
	}
	form, err := models.NewForm(id.NewFormID(), org.ID, identifier, identifier+" form", s.tc.Now())
	if err != nil {
		return err
	}
	form.Security = security
	return s.tc.FormStore().Create(ctx, form)
}

func (s *collectorSteps) aForm(ctx context.Context, identifier string) error {
	return s.createForm(ctx, identifier, models.SecurityOverrides{})
}

func (s *collectorSteps) aFormWithCSRF(ctx context.Context, identifier string) error {
	return s.createForm(ctx, identifier, models.SecurityOverrides{CsrfEnabled: ptr(true)})
}

func (s *collectorSteps) aFormWithRateLimit(ctx context.Context, identifier string, limit, windowSeconds int) error {
	return s.createForm(ctx, identifier, models.SecurityOverrides{
		RateLimitEnabled:       ptr(true),
		RateLimitMaxRequests:   ptr(limit),
		RateLimitWindowSeconds: ptr(windowSeconds),
	})
}

func (s *collectorSteps) aFormWithHourlyLimit(ctx context.Context, identifier string, limit int) error {
	return s.createForm(ctx, identifier, models.SecurityOverrides{
		RateLimitEnabled:            ptr(true),
		RateLimitMaxRequestsPerHour: ptr(limit),
	})
}

func (s *collectorSteps) aFormWithSpacing(ctx context.Context, identifier string, seconds int) error {
	return s.createForm(ctx, identifier, models.SecurityOverrides{
		MinTimeBetweenSubmissionsEnabled: ptr(true),
		MinTimeBetweenSubmissionsSeconds: ptr(seconds),
	})
}

func (s *collectorSteps) aFormWithSizeLimit(ctx context.Context, identifier string, maxBytes int) error {
	return s.createForm(ctx, identifier, models.SecurityOverrides{
		MaxRequestSizeBytes: ptr(int64(maxBytes)),
	})
}

func (s *collectorSteps) formIsInactive(ctx context.Context, identifier string) error {
	form, err := s.tc.FormStore().FindByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	if err := form.Deactivate(s.tc.Now()); err != nil {
		return err
	}
	return s.tc.FormStore().Update(ctx, form)
}

func (s *collectorSteps) integrationForOrganization(ctx context.Context, kind string) error {
	return s.tc.IntegrationStore().Create(ctx, &models.Integration{
		ID:             id.NewIntegrationID(),
		OrganizationID: s.tc.GetOrganization().ID,
		Type:           models.IntegrationType(kind),
		Enabled:        true,
		CreatedAt:      s.tc.Now(),
	})
}

func (s *collectorSteps) queueIsDown(context.Context) error {
	s.tc.SetQueueFailing(true)
	return nil
}

func (s *collectorSteps) clientIPIs(_ context.Context, ip string) error {
	s.tc.SetClientIP(ip)
	return nil
}

// =============================================================================
// Issuance
// =============================================================================

func (s *collectorSteps) requestCSRFToken(_ context.Context, identifier, origin string) error {
	if err := s.tc.GET("/s/"+identifier+"/csrf", originHeader(origin)); err != nil {
		return err
	}
	if s.tc.GetLastResponseStatus() != http.StatusOK {
		return nil
	}
	token, err := s.tc.GetResponseField("token")
	if err != nil {
		return err
	}
	s.tc.SetCSRFToken(fmt.Sprint(token))
	return nil
}

func (s *collectorSteps) requestChallenge(_ context.Context, identifier string) error {
	if err := s.tc.GET("/s/"+identifier+"/challenge", nil); err != nil {
		return err
	}
	if s.tc.GetLastResponseStatus() != http.StatusOK {
		return nil
	}
	var ch challenge.Challenge
	if err := json.Unmarshal(s.tc.GetLastResponseBody(), &ch); err != nil {
		return fmt.Errorf("failed to decode challenge: %w", err)
	}
	s.tc.SetChallenge(ch)
	return nil
}

// =============================================================================
// Submissions
// =============================================================================

func (s *collectorSteps) submit(identifier, body string, headers map[string]string) error {
	return s.tc.POSTJSON("/s/"+identifier, body, headers)
}

func (s *collectorSteps) submitFromOrigin(_ context.Context, body, identifier, origin string) error {
	return s.submit(identifier, body, originHeader(origin))
}

func (s *collectorSteps) submitWithoutOrigin(_ context.Context, body, identifier string) error {
	return s.submit(identifier, body, nil)
}

func (s *collectorSteps) submitWithCSRF(_ context.Context, body, identifier, origin string) error {
	headers := originHeader(origin)
	headers[admission.HeaderCSRFToken] = s.tc.GetCSRFToken()
	return s.submit(identifier, body, headers)
}

func (s *collectorSteps) submitWithSolvedChallenge(_ context.Context, body, identifier, origin string) error {
	payload, ok := challenge.Solve(s.tc.GetChallenge())
	if !ok {
		return fmt.Errorf("challenge has no solution")
	}
	headers := originHeader(origin)
	headers[admission.HeaderChallenge] = payload
	return s.submit(identifier, body, headers)
}

func (s *collectorSteps) submitWithForgedChallenge(_ context.Context, body, identifier, origin string) error {
	ch := s.tc.GetChallenge()
	raw, err := json.Marshal(challenge.Solution{
		Algorithm: ch.Algorithm,
		Challenge: ch.Challenge,
		Number:    0,
		Salt:      ch.Salt,
		Signature: "forged",
	})
	if err != nil {
		return err
	}
	headers := originHeader(origin)
	headers[admission.HeaderChallenge] = base64.StdEncoding.EncodeToString(raw)
	return s.submit(identifier, body, headers)
}

func (s *collectorSteps) submitWithContentType(_ context.Context, body, identifier, origin, contentType string) error {
	return s.tc.Do(http.MethodPost, "/s/"+identifier, contentType, []byte(body), originHeader(origin))
}

func (s *collectorSteps) submitURLEncoded(_ context.Context, body, identifier, origin string) error {
	return s.tc.Do(http.MethodPost, "/s/"+identifier, "application/x-www-form-urlencoded", []byte(body), originHeader(origin))
}

func (s *collectorSteps) submitLargeMessage(_ context.Context, size int, identifier, origin string) error {
	raw, err := json.Marshal(map[string]string{"message": strings.Repeat("x", size)})
	if err != nil {
		return err
	}
	return s.submit(identifier, string(raw), originHeader(origin))
}

func (s *collectorSteps) submitNTimes(_ context.Context, n int, identifier, origin string) error {
	s.results = s.results[:0]
	for i := range n {
		body := fmt.Sprintf(`{"name":"Visitor %d"}`, i)
		if err := s.submit(identifier, body, originHeader(origin)); err != nil {
			return err
		}
		s.results = append(s.results, s.tc.GetLastResponseStatus())
	}
	return nil
}

func (s *collectorSteps) allAccepted(context.Context) error {
	for i, status := range s.results {
		if status != http.StatusOK {
			return fmt.Errorf("request %d returned %d", i+1, status)
		}
	}
	return nil
}

// =============================================================================
// Operator
// =============================================================================

func (s *collectorSteps) statsWithoutCredentials(context.Context) error {
	return s.tc.GET("/admin/throttle/stats", nil)
}

func (s *collectorSteps) operatorResetsThrottle(ctx context.Context, identifier, ip string) error {
	form, err := s.tc.FormStore().FindByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	token, err := s.tc.AdminToken()
	if err != nil {
		return err
	}
	body := fmt.Sprintf(`{"ip":%q,"form_id":%q}`, ip, form.ID.String())
	if err := s.tc.Do(http.MethodPost, "/admin/throttle/reset", "application/json", []byte(body), map[string]string{
		"Authorization": "Bearer " + token,
	}); err != nil {
		return err
	}
	if status := s.tc.GetLastResponseStatus(); status != http.StatusNoContent {
		return fmt.Errorf("throttle reset returned %d: %s", status, s.tc.GetLastResponseBody())
	}
	return nil
}

// =============================================================================
// Assertions
// =============================================================================

func (s *collectorSteps) submissionsStored(_ context.Context, expected int, identifier string) error {
	n, err := s.tc.SubmissionCount(identifier)
	if err != nil {
		return err
	}
	if n != expected {
		return fmt.Errorf("expected %d stored submissions for %s but found %d", expected, identifier, n)
	}
	return nil
}

func (s *collectorSteps) jobsPublished(_ context.Context, expected int) error {
	if n := len(s.tc.PublishedMessages()); n != expected {
		return fmt.Errorf("expected %d published jobs but found %d", expected, n)
	}
	return nil
}

func (s *collectorSteps) jobOfTypePublished(_ context.Context, kind string) error {
	for _, msg := range s.tc.PublishedMessages() {
		if msg.Headers[queue.HeaderIntegrationType] != kind {
			continue
		}
		var job queue.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			return fmt.Errorf("failed to decode job: %w", err)
		}
		if job.Type != queue.JobTypeDeliverSubmission {
			return fmt.Errorf("unexpected job type %q", job.Type)
		}
		return nil
	}
	return fmt.Errorf("no %s job published", kind)
}

func originHeader(origin string) map[string]string {
	headers := map[string]string{}
	if origin != "" {
		headers["Origin"] = origin
	}
	return headers
}

func ptr[T any](v T) *T {
	return &v
}
