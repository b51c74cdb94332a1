package services

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/miradorstack/mirador-triage/internal/api"
	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/engine"
	triagev1 "github.com/miradorstack/mirador-triage/internal/grpc/triagev1"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/retrain"
	"github.com/miradorstack/mirador-triage/internal/store"
)

type submitterStub struct {
	mu       sync.Mutex
	accepted []models.IncidentRecord
	err      error
}

func (s *submitterStub) Submit(rec models.IncidentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.accepted = append(s.accepted, rec)
	return nil
}

type repoStub struct {
	mu       sync.Mutex
	feedback []models.FeedbackRecord
	results  map[string]models.ResultRecord
	versions map[models.ModelKind][]store.StoredVersion
}

func (r *repoStub) AppendFeedback(_ context.Context, rec models.FeedbackRecord) (models.FeedbackRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Seq = uint64(len(r.feedback) + 1)
	rec.ID = "fb-1"
	r.feedback = append(r.feedback, rec)
	return rec, nil
}

func (r *repoStub) GetResult(_ context.Context, id string) (models.ResultRecord, error) {
	rec, ok := r.results[id]
	if !ok {
		return models.ResultRecord{}, models.ErrNotFound
	}
	return rec, nil
}

func (r *repoStub) LatestForecast(context.Context) (models.ForecastResult, error) {
	return models.ForecastResult{}, models.ErrNotFound
}

func (r *repoStub) ListModelVersions(_ context.Context, kind models.ModelKind) ([]store.StoredVersion, error) {
	return r.versions[kind], nil
}

type retrainerStub struct {
	checks   int
	triggers []models.ModelKind
}

func (r *retrainerStub) Check() { r.checks++ }

func (r *retrainerStub) Trigger(kind models.ModelKind) error {
	if kind != models.KindClassifier && kind != models.KindForecaster {
		return models.ErrInvalid
	}
	r.triggers = append(r.triggers, kind)
	return nil
}

func (r *retrainerStub) Status(context.Context) ([]retrain.Status, error) {
	return []retrain.Status{{Kind: "classifier", State: models.StateActive, ActiveVersion: "classifier-v0001"}}, nil
}

type fixture struct {
	client    triagev1.TriageServiceClient
	conn      *grpc.ClientConn
	submitter *submitterStub
	repo      *repoStub
	retrainer *retrainerStub
	hub       *Hub
	server    *api.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		submitter: &submitterStub{},
		repo: &repoStub{
			results: map[string]models.ResultRecord{"inc-1": {IncidentID: "inc-1", Status: models.StatusPublished, Attempts: 1}},
			versions: map[models.ModelKind][]store.StoredVersion{
				models.KindClassifier: {{Meta: models.ModelVersion{Kind: models.KindClassifier, VersionID: "classifier-v0001", Active: true}}},
				models.KindForecaster: {{Meta: models.ModelVersion{Kind: models.KindForecaster, VersionID: "forecaster-v0001", Active: true}}},
			},
		},
		retrainer: &retrainerStub{},
		hub:       NewHub(8),
	}
	svc := NewTriageService(nil, f.submitter, f.repo, f.retrainer, f.hub)

	lis := bufconn.Listen(1 << 20)
	srv := api.NewServerWithListener(config.ServerConfig{GracefulTimeout: time.Second}, lis, svc, nil)
	f.server = srv
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	f.conn = conn
	f.client = triagev1.NewTriageServiceClient(conn)
	return f
}

func TestSubmitIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.SubmitIncident(ctx, &triagev1.SubmitIncidentRequest{Incident: models.IncidentRecord{ID: "inc-9", AlertTitle: "Phishing"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Accepted || resp.IncidentID != "inc-9" || len(f.submitter.accepted) != 1 || f.submitter.accepted[0].AlertTitle != "Phishing" {
		t.Fatalf("unexpected response %+v accepted=%+v", resp, f.submitter.accepted)
	}

	f.submitter.err = models.ErrQueueFull
	_, err = f.client.SubmitIncident(ctx, &triagev1.SubmitIncidentRequest{Incident: models.IncidentRecord{ID: "inc-10"}})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
}

func TestSubmitFeedback(t *testing.T) {
	f := newFixture(t)
	rating := 5
	resp, err := f.client.SubmitFeedback(context.Background(), &triagev1.SubmitFeedbackRequest{
		IncidentID: "inc-1", AnalystID: "analyst", PlaybookRating: &rating,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Feedback.Seq != 1 || *resp.Feedback.PlaybookRating != 5 {
		t.Fatalf("unexpected feedback %+v", resp.Feedback)
	}
	if f.retrainer.checks != 1 {
		t.Fatalf("expected retrain check, got %d", f.retrainer.checks)
	}
}

func TestSubmitFeedbackMissingIncident(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.SubmitFeedback(context.Background(), &triagev1.SubmitFeedbackRequest{AnalystID: "analyst"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(f.repo.feedback) != 0 {
		t.Fatalf("invalid feedback must not be stored")
	}
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.client.GetIncidentResult(ctx, &triagev1.GetIncidentResultRequest{IncidentID: "inc-1"})
	if err != nil || res.Result.Status != models.StatusPublished {
		t.Fatalf("get result: %+v %v", res, err)
	}
	if _, err := f.client.GetIncidentResult(ctx, &triagev1.GetIncidentResultRequest{IncidentID: "missing"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.client.GetForecast(ctx, &triagev1.GetForecastRequest{}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found forecast, got %v", err)
	}

	all, err := f.client.ListModelVersions(ctx, &triagev1.ListModelVersionsRequest{})
	if err != nil || len(all.Versions) != 2 {
		t.Fatalf("list all versions: %+v %v", all, err)
	}
	only, err := f.client.ListModelVersions(ctx, &triagev1.ListModelVersionsRequest{Kind: models.KindForecaster})
	if err != nil || len(only.Versions) != 1 || only.Versions[0].VersionID != "forecaster-v0001" {
		t.Fatalf("list forecaster versions: %+v %v", only, err)
	}

	st, err := f.client.GetRetrainStatus(ctx, &triagev1.GetRetrainStatusRequest{})
	if err != nil || len(st.Statuses) != 1 || st.Statuses[0].ActiveVersion != "classifier-v0001" {
		t.Fatalf("retrain status: %+v %v", st, err)
	}
}

func TestTriggerRetrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.client.TriggerRetrain(ctx, &triagev1.TriggerRetrainRequest{Kind: models.KindClassifier}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if _, err := f.client.TriggerRetrain(ctx, &triagev1.TriggerRetrainRequest{Kind: "playbook"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(f.retrainer.triggers) != 1 {
		t.Fatalf("expected one trigger, got %v", f.retrainer.triggers)
	}
}

func TestWatchOutcomesFiltersByIncident(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := f.client.WatchOutcomes(ctx, &triagev1.WatchOutcomesRequest{IncidentID: "inc-2"})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	for f.hub.Len() == 0 {
		if ctx.Err() != nil {
			t.Fatalf("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}
	f.hub.Publish(engine.Outcome{IncidentID: "inc-other", Status: models.StatusPublished})
	f.hub.Publish(engine.Outcome{IncidentID: "inc-2", Status: models.StatusRetrying, Attempts: 1})

	got, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.IncidentID != "inc-2" || got.Status != models.StatusRetrying {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

func TestHealthServing(t *testing.T) {
	f := newFixture(t)
	resp, err := healthpb.NewHealthClient(f.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: triagev1.ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health %s", resp.GetStatus())
	}

	f.server.SetReady(false)
	resp, err = healthpb.NewHealthClient(f.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: triagev1.ServiceName})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v %v", resp.GetStatus(), err)
	}
	overall, err := healthpb.NewHealthClient(f.conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil || overall.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("process health should stay SERVING, got %v %v", overall.GetStatus(), err)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe("")
	hub.Publish(engine.Outcome{IncidentID: "a"})
	hub.Publish(engine.Outcome{IncidentID: "b"})
	cancel()
	cancel()
	var got []string
	for o := range ch {
		got = append(got, o.IncidentID)
	}
	if len(got) != 1 || got[0] != "a" || hub.Len() != 0 {
		t.Fatalf("unexpected hub state got=%v len=%d", got, hub.Len())
	}
}
