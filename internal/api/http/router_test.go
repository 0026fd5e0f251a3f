package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/ticket-engine/internal/api/http/handlers"
	"github.com/spec-kit/ticket-engine/internal/auth"
	"github.com/spec-kit/ticket-engine/internal/clock"
	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/observability"
	"github.com/spec-kit/ticket-engine/internal/repository"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/internal/service"
	"github.com/spec-kit/ticket-engine/internal/sla"
)

var t0 = time.Date(2024, 5, 6, 8, 30, 0, 0, time.UTC)

type testServer struct {
	app    *fiber.App
	mem    *repository.Memory
	clk    *clock.FakeClock
	tokens *auth.TokenManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.Fake(t0)
	metrics := observability.NewMetrics()
	fast := resilience.RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond}
	read, write := fast, fast
	read.MaxAttempts = 2
	write.MaxAttempts = 2
	store := resilience.NewStore(resilience.Config{ReadPolicy: read, WritePolicy: write, CacheTTL: 5 * time.Minute, CacheCapacity: 64},
		resilience.WithClock(clk),
		resilience.WithLogger(logger),
		resilience.WithMetrics(metrics),
		resilience.WithRandom(func() float64 { return 0 }),
	)
	dispatcher := events.NewInMemoryDispatcher()
	mem := repository.NewMemory()
	rt := service.Runtime{Store: store, Dispatcher: dispatcher, Clock: clk, Logger: logger, Metrics: metrics, Timeout: 2 * time.Second}

	tickets := service.NewTicketService(service.TicketDependencies{
		TicketRepo:     mem.Tickets(),
		AssignmentRepo: mem.Assignments(),
		HistoryRepo:    mem.History(),
		Policy:         sla.DefaultPolicy(),
		Runtime:        rt,
	})
	coordinator := service.NewAssignmentCoordinator(service.AssignmentDependencies{
		TicketRepo:     mem.Tickets(),
		AssignmentRepo: mem.Assignments(),
		HistoryRepo:    mem.History(),
		Runtime:        rt,
	})
	monitor := sla.NewMonitor(sla.Dependencies{
		Tickets:    mem.Tickets(),
		History:    mem.History(),
		Store:      store,
		Policy:     sla.DefaultPolicy(),
		Dispatcher: dispatcher,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})
	t.Cleanup(func() { monitor.Stop(context.Background()) })

	tokens := auth.NewTokenManager("test-secret", 15)
	app := NewServer(ServerConfig{
		AppName:        "ticket-engine-test",
		Logger:         logger,
		Metrics:        metrics,
		RequestTimeout: 2 * time.Second,
		Routes: RouteConfig{
			Health:         handlers.NewHealthHandler("ticket-engine", "test", nil, nil),
			Tickets:        handlers.NewTicketsHandler(tickets, monitor),
			Assignments:    handlers.NewAssignmentsHandler(coordinator),
			SLA:            handlers.NewSLAHandler(monitor, time.Minute),
			AuthMiddleware: auth.NewAuthMiddleware(tokens),
			Metrics:        metrics,
		},
	})
	return &testServer{app: app, mem: mem, clk: clk, tokens: tokens}
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Degraded bool            `json:"degraded"`
	Error    *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type response struct {
	status int
	header func(string) string
	body   envelope
}

func (s *testServer) do(t *testing.T, actor *domain.Actor, method, path string, body any) response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if actor != nil {
		token, _, err := s.tokens.GenerateToken(*actor)
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := s.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := response{status: resp.StatusCode, header: resp.Header.Get}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return out
}

func decode[T any](t *testing.T, r response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.body.Data, &v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return v
}

var (
	adminActor  = &domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	clientActor = &domain.Actor{ID: "client-9", Role: domain.RoleClient}
)

func agentActor(id string) *domain.Actor { return &domain.Actor{ID: id, Role: domain.RoleAgent} }

func (s *testServer) createTicket(t *testing.T) int64 {
	t.Helper()
	res := s.do(t, clientActor, fiber.MethodPost, "/api/v1/tickets", map[string]any{
		"title":       "VPN drops every hour",
		"priority":    "HIGH",
		"category_id": 2,
	})
	if res.status != fiber.StatusCreated {
		t.Fatalf("create status = %d (%+v)", res.status, res.body.Error)
	}
	return decode[struct {
		ID int64 `json:"id"`
	}](t, res).ID
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	res := s.do(t, nil, fiber.MethodGet, "/api/v1/tickets/1", nil)
	if res.status != fiber.StatusUnauthorized || res.body.Error == nil || res.body.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("status = %d, body = %+v", res.status, res.body)
	}
	if res := s.do(t, nil, fiber.MethodGet, "/health/live", nil); res.status != fiber.StatusOK {
		t.Fatalf("live status = %d", res.status)
	}
	if res := s.do(t, nil, fiber.MethodGet, "/health/ready", nil); res.status != fiber.StatusOK {
		t.Fatalf("ready status = %d", res.status)
	}
	if res := s.do(t, nil, fiber.MethodGet, "/metrics", nil); res.status != fiber.StatusOK {
		t.Fatalf("metrics status = %d", res.status)
	}
	if res := s.do(t, nil, fiber.MethodGet, "/nowhere", nil); res.status != fiber.StatusNotFound || res.body.Error.Code != "NOT_FOUND" {
		t.Fatalf("unknown route = %d %+v", res.status, res.body.Error)
	}
}

func TestTicketAndAssignmentFlow(t *testing.T) {
	s := newTestServer(t)
	id := s.createTicket(t)

	got := s.do(t, clientActor, fiber.MethodGet, fmt.Sprintf("/api/v1/tickets/%d", id), nil)
	if got.status != fiber.StatusOK || got.body.Degraded {
		t.Fatalf("get = %d degraded=%v", got.status, got.body.Degraded)
	}
	detail := decode[struct {
		Status string `json:"status"`
		SLA    struct {
			State   string    `json:"state"`
			DueDate time.Time `json:"due_date"`
		} `json:"sla"`
	}](t, got)
	if detail.Status != "OPEN" || detail.SLA.State != "ON_TRACK" || !detail.SLA.DueDate.Equal(t0.Add(8*time.Hour)) {
		t.Fatalf("detail = %+v", detail)
	}

	if res := s.do(t, clientActor, fiber.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/assignments", id), map[string]any{"agent_ids": []string{"A"}}); res.status != fiber.StatusForbidden {
		t.Fatalf("client offer status = %d", res.status)
	}
	offered := s.do(t, adminActor, fiber.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/assignments", id), map[string]any{"agent_ids": []string{"A", "B"}})
	if offered.status != fiber.StatusCreated {
		t.Fatalf("offer status = %d (%+v)", offered.status, offered.body.Error)
	}
	requests := decode[[]struct {
		ID      string `json:"id"`
		AgentID string `json:"agent_id"`
	}](t, offered)
	ids := map[string]string{}
	for _, r := range requests {
		ids[r.AgentID] = r.ID
	}

	pending := s.do(t, agentActor("B"), fiber.MethodGet, "/api/v1/agents/B/assignments/pending", nil)
	if pending.status != fiber.StatusOK || len(decode[[]json.RawMessage](t, pending)) != 1 {
		t.Fatalf("pending = %d %s", pending.status, pending.body.Data)
	}

	accepted := s.do(t, agentActor("B"), fiber.MethodPost, "/api/v1/assignments/"+ids["B"]+"/accept", nil)
	if accepted.status != fiber.StatusOK {
		t.Fatalf("accept status = %d (%+v)", accepted.status, accepted.body.Error)
	}
	result := decode[struct {
		Ticket struct {
			Status     string  `json:"status"`
			AssignedTo *string `json:"assigned_to"`
		} `json:"ticket"`
		Cancelled []json.RawMessage `json:"cancelled"`
	}](t, accepted)
	if result.Ticket.Status != "IN_PROGRESS" || result.Ticket.AssignedTo == nil || *result.Ticket.AssignedTo != "B" || len(result.Cancelled) != 1 {
		t.Fatalf("accept result = %+v", result)
	}

	late := s.do(t, agentActor("A"), fiber.MethodPost, "/api/v1/assignments/"+ids["A"]+"/accept", nil)
	if late.status != fiber.StatusConflict || late.body.Error.Code != "NOT_PENDING" {
		t.Fatalf("late accept = %d %+v", late.status, late.body.Error)
	}

	invalid := s.do(t, agentActor("B"), fiber.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/transitions", id), map[string]any{"status": "CLOSED"})
	if invalid.status != fiber.StatusConflict || invalid.body.Error.Code != "INVALID_TRANSITION" {
		t.Fatalf("invalid transition = %d %+v", invalid.status, invalid.body.Error)
	}
	resolved := s.do(t, agentActor("B"), fiber.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/transitions", id), map[string]any{"status": "RESOLVED"})
	if resolved.status != fiber.StatusOK {
		t.Fatalf("resolve = %d %+v", resolved.status, resolved.body.Error)
	}
}

func TestDegradedReadsAreFlagged(t *testing.T) {
	s := newTestServer(t)
	id := s.createTicket(t)
	path := fmt.Sprintf("/api/v1/tickets/%d", id)
	if res := s.do(t, clientActor, fiber.MethodGet, path, nil); res.status != fiber.StatusOK {
		t.Fatalf("warm cache = %d", res.status)
	}

	s.mem.InjectFault(func(string) error { return resilience.Transient(errors.New("connection refused")) })
	fresh := s.do(t, clientActor, fiber.MethodGet, path, nil)
	if fresh.status != fiber.StatusOK || !fresh.body.Degraded || fresh.header(handlers.DegradedHeader) != "true" {
		t.Fatalf("cached read within ttl = %d degraded=%v header=%q", fresh.status, fresh.body.Degraded, fresh.header(handlers.DegradedHeader))
	}
	s.clk.Set(t0.Add(10 * time.Minute))

	res := s.do(t, clientActor, fiber.MethodGet, path, nil)
	if res.status != fiber.StatusOK || !res.body.Degraded || res.header(handlers.DegradedHeader) != "true" {
		t.Fatalf("degraded read = %d degraded=%v header=%q", res.status, res.body.Degraded, res.header(handlers.DegradedHeader))
	}

	write := s.do(t, agentActor("A"), fiber.MethodPost, path+"/transitions", map[string]any{"status": "IN_PROGRESS"})
	if write.status != fiber.StatusServiceUnavailable || write.body.Error.Code != "STORAGE_UNAVAILABLE" {
		t.Fatalf("write during outage = %d %+v", write.status, write.body.Error)
	}

	stats := s.do(t, agentActor("A"), fiber.MethodGet, "/api/v1/sla/stats", nil)
	if stats.status != fiber.StatusOK || !stats.body.Degraded {
		t.Fatalf("stats during outage = %d degraded=%v", stats.status, stats.body.Degraded)
	}
}

func TestMonitorControlIsAdminOnly(t *testing.T) {
	s := newTestServer(t)
	id := s.createTicket(t)

	if res := s.do(t, agentActor("A"), fiber.MethodPost, "/api/v1/sla/start", nil); res.status != fiber.StatusForbidden {
		t.Fatalf("agent start = %d", res.status)
	}
	if res := s.do(t, adminActor, fiber.MethodPost, "/api/v1/sla/start", map[string]any{"interval_seconds": -5}); res.status != fiber.StatusBadRequest {
		t.Fatalf("negative interval = %d", res.status)
	}

	started := s.do(t, adminActor, fiber.MethodPost, "/api/v1/sla/start", map[string]any{"interval_seconds": 30})
	if started.status != fiber.StatusOK {
		t.Fatalf("start = %d %+v", started.status, started.body.Error)
	}
	if st := decode[sla.Status](t, started); st.State != sla.StateRunning || st.IntervalSeconds != 30 {
		t.Fatalf("status = %+v", st)
	}

	s.clk.Set(t0.Add(9 * time.Hour))
	swept := s.do(t, adminActor, fiber.MethodPost, "/api/v1/sla/sweep", nil)
	if swept.status != fiber.StatusOK {
		t.Fatalf("sweep = %d %+v", swept.status, swept.body.Error)
	}
	if outcome := decode[sla.SweepOutcome](t, swept); outcome.Checked != 1 || outcome.Breached != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}

	check := s.do(t, adminActor, fiber.MethodPost, fmt.Sprintf("/api/v1/sla/tickets/%d/check", id), nil)
	if check.status != fiber.StatusOK {
		t.Fatalf("check = %d", check.status)
	}
	if w := decode[struct {
		State string `json:"state"`
	}](t, check); w.State != "BREACHED" {
		t.Fatalf("window state = %s", w.State)
	}

	stopped := s.do(t, adminActor, fiber.MethodPost, "/api/v1/sla/stop", nil)
	if st := decode[sla.Status](t, stopped); st.State != sla.StateStopped {
		t.Fatalf("stop = %+v", st)
	}
}
