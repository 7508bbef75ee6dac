package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"formgate/internal/admission"
	"formgate/internal/admission/challenge"
	"formgate/internal/admission/csrf"
	"formgate/internal/admission/settings"
	"formgate/internal/forms/models"
	formstore "formgate/internal/forms/store/form"
	integrationstore "formgate/internal/forms/store/integration"
	orgstore "formgate/internal/forms/store/organization"
	submissionstore "formgate/internal/forms/store/submission"
	"formgate/internal/integrations/queue"
	"formgate/internal/platform/health"
	"formgate/internal/platform/kafka/producer"
	submissionhandler "formgate/internal/submission/handler"
	throttleadmin "formgate/internal/throttle/admin"
	throttlehandler "formgate/internal/throttle/handler"
	throttlememory "formgate/internal/throttle/store/memory"
	httptransport "formgate/internal/transport/http"
	adminmw "formgate/pkg/platform/middleware/admin"
)

const (
	defaultClientIP = "203.0.113.7"
	testTopic       = "formgate.integration-jobs"
)

var (
	csrfSecret  = []byte("e2e-csrf-secret")
	adminSecret = []byte("e2e-admin-secret")
	startTime   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// TestContext holds the in-process server and state between test steps
type TestContext struct {
	server *httptest.Server
	client *http.Client

	mu  sync.Mutex
	now time.Time

	Orgs         *orgstore.InMemory
	Forms        *formstore.InMemory
	Submissions  *submissionstore.InMemory
	Integrations *integrationstore.InMemory
	Producer     *capturingProducer

	Org       *models.Organization
	CSRFToken string
	Challenge challenge.Challenge
	ClientIP  string

	LastResponse     *http.Response
	LastResponseBody []byte
}

// NewTestContext builds the real router over in-memory backends.
func NewTestContext() *TestContext {
	tc := &TestContext{
		now:          startTime,
		Orgs:         orgstore.NewInMemory(),
		Forms:        formstore.NewInMemory(),
		Submissions:  submissionstore.NewInMemory(),
		Integrations: integrationstore.NewInMemory(),
		Producer:     &capturingProducer{},
		ClientIP:     defaultClientIP,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	throttle := throttlememory.New()

	csrfService, err := csrf.New(csrfSecret, 30*time.Minute)
	if err != nil {
		panic(err)
	}
	key, err := challenge.DeriveKey(csrfSecret)
	if err != nil {
		panic(err)
	}

	pipeline := admission.New(admission.Dependencies{
		Forms:         tc.Forms,
		Organizations: tc.Orgs,
		Throttle:      throttle,
		Submissions:   tc.Submissions,
		Integrations:  tc.Integrations,
		Queue:         queue.NewPublisher(tc.Producer, testTopic, queue.WithLogger(logger), queue.WithMetrics(queue.NewMetrics(reg))),
		CSRF:          csrfService,
		Challenge:     challenge.New(key, challenge.WithMaxNumber(2000)),
	}, admission.Config{Defaults: settings.BuiltinDefaults()}, admission.WithLogger(logger))

	adminService, err := throttleadmin.New(throttle, throttleadmin.WithLogger(logger))
	if err != nil {
		panic(err)
	}

	router := httptransport.NewRouter(httptransport.Routes{
		Collector:     submissionhandler.New(pipeline, logger),
		Health:        health.New("e2e"),
		Throttle:      throttlehandler.New(adminService, logger),
		AdminVerifier: adminmw.NewVerifier(adminSecret),
	}, httptransport.Config{
		TrustedProxies: []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("::1/128"),
		},
		Clock: tc.Now,
	}, logger)

	tc.server = httptest.NewServer(router)
	tc.client = tc.server.Client()
	tc.client.Timeout = 10 * time.Second
	return tc
}

func (tc *TestContext) Close() {
	tc.server.Close()
}

func (tc *TestContext) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.now
}

func (tc *TestContext) Advance(d time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.now = tc.now.Add(d)
}

// Do sends a request from tc.ClientIP and stores the response.
func (tc *TestContext) Do(method, path, contentType string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(context.Background(), method, tc.server.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Forwarded-For", tc.ClientIP)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return nil
}

// GET makes a GET request and stores the response
func (tc *TestContext) GET(path string, headers map[string]string) error {
	return tc.Do(http.MethodGet, path, "", nil, headers)
}

// POSTJSON sends raw JSON and stores the response
func (tc *TestContext) POSTJSON(path, body string, headers map[string]string) error {
	return tc.Do(http.MethodPost, path, "application/json", []byte(body), headers)
}

// GetResponseField extracts a field from the JSON response
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var data map[string]any
	if err := json.Unmarshal(tc.LastResponseBody, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	value, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("field %s not found in response", field)
	}
	return value, nil
}

func (tc *TestContext) GetLastResponseStatus() int {
	if tc.LastResponse == nil {
		return 0
	}
	return tc.LastResponse.StatusCode
}

func (tc *TestContext) GetLastResponseHeader(name string) string {
	if tc.LastResponse == nil {
		return ""
	}
	return tc.LastResponse.Header.Get(name)
}

func (tc *TestContext) GetLastResponseBody() []byte {
	return tc.LastResponseBody
}

// Fixture accessors for step packages.

func (tc *TestContext) GetOrganization() *models.Organization {
	return tc.Org
}

func (tc *TestContext) SetOrganization(org *models.Organization) {
	tc.Org = org
}

func (tc *TestContext) OrganizationStore() *orgstore.InMemory {
	return tc.Orgs
}

func (tc *TestContext) FormStore() *formstore.InMemory {
	return tc.Forms
}

func (tc *TestContext) IntegrationStore() *integrationstore.InMemory {
	return tc.Integrations
}

func (tc *TestContext) SubmissionCount(identifier string) (int, error) {
	form, err := tc.Forms.FindByIdentifier(context.Background(), identifier)
	if err != nil {
		return 0, err
	}
	return tc.Submissions.CountByForm(context.Background(), form.ID)
}

func (tc *TestContext) PublishedMessages() []*producer.Message {
	return tc.Producer.Messages()
}

func (tc *TestContext) SetQueueFailing(fail bool) {
	tc.Producer.SetFailing(fail)
}

func (tc *TestContext) GetCSRFToken() string {
	return tc.CSRFToken
}

func (tc *TestContext) SetCSRFToken(token string) {
	tc.CSRFToken = token
}

func (tc *TestContext) GetChallenge() challenge.Challenge {
	return tc.Challenge
}

func (tc *TestContext) SetChallenge(ch challenge.Challenge) {
	tc.Challenge = ch
}

func (tc *TestContext) SetClientIP(ip string) {
	tc.ClientIP = ip
}

// AdminToken signs a super-admin token. JWT expiry is checked against the
// wall clock, not the request clock.
func (tc *TestContext) AdminToken() (string, error) {
	return adminmw.Sign(adminSecret, "e2e", adminmw.RoleSuperAdmin, time.Now(), time.Hour)
}

// capturingProducer records published messages in place of Kafka.
type capturingProducer struct {
	mu   sync.Mutex
	msgs []*producer.Message
	fail bool
}

func (p *capturingProducer) Produce(_ context.Context, msgs ...*producer.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("broker unavailable")
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *capturingProducer) Messages() []*producer.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*producer.Message(nil), p.msgs...)
}

func (p *capturingProducer) SetFailing(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}
