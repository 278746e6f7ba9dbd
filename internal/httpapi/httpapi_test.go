package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobapply-engine/internal/approval"
	"jobapply-engine/internal/config"
	"jobapply-engine/internal/discovery"
	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/orchestrator"
	"jobapply-engine/internal/session"
	"jobapply-engine/internal/store"
	"jobapply-engine/internal/throttle"
)

type fixture struct {
	db     *store.DB
	gate   *approval.Gate
	hub    *events.Hub
	cfgVal *atomic.Value
	disc   *atomic.Value
	cfgPth string
	srv    *httptest.Server
}

func testConfig(dir string) config.Config {
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	cfg.Engine.ProfilePath = filepath.Join(dir, "profile.yml")
	return cfg
}

func newFixture(t *testing.T, run func(ctx context.Context) (int, error)) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "engine.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(db.Pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yml")
	cfg := testConfig(dir)
	if err := config.SaveAtomic(cfgPath, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	var cfgVal, disc atomic.Value
	cfgVal.Store(cfg)
	disc.Store(DiscoveryStatus{})

	hub := events.NewHub()
	gate := approval.New(db, func(string) bool { return true }, hub, nil)
	mgr := session.NewManager(db, session.DirProfiles{Root: filepath.Join(dir, "profiles")}, session.Options{MaxSessions: 2}, nil)
	thr := throttle.New(throttle.Options{DailyLimit: func(string) int { return 5 }}, db, nil)

	if run != nil {
		run = TrackDiscovery(&disc, run)
	}
	f := &fixture{db: db, gate: gate, hub: hub, cfgVal: &cfgVal, disc: &disc, cfgPth: cfgPath}
	f.srv = httptest.NewServer(Handler(Deps{
		Store:        db,
		Ingest:       discovery.NewRunner(db, hub, nil),
		Approvals:    gate,
		Sessions:     mgr,
		Quota:        thr,
		Hub:          hub,
		Pub:          hub,
		LastPass:     func() orchestrator.Stats { return orchestrator.Stats{Submitted: 2} },
		CfgVal:       &cfgVal,
		Discovery:    &disc,
		UserCfgPath:  cfgPath,
		LoadCfg:      func() (config.Config, error) { return config.Load(cfgPath) },
		RunDiscovery: run,
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

func (f *fixture) seed(t *testing.T, site, id string) domain.Posting {
	t.Helper()
	p, _, err := f.db.Upsert(context.Background(), domain.Posting{
		SourceSite: site, ExternalID: id, URL: "https://" + site + ".example/" + id,
		Title: "Backend Engineer", Company: "Acme", DescriptionText: "Go and SQL",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return p
}

func (f *fixture) parked(t *testing.T, p domain.Posting) domain.ApplicationRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := f.db.RecordOutcome(ctx, domain.ApplicationRecord{PostingID: p.ID})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	for _, s := range []domain.State{domain.StateLocated, domain.StateFilling} {
		rec.State = s
		if rec, err = f.db.RecordOutcome(ctx, rec); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	rec, err = f.gate.Park(ctx, rec, domain.Snapshot{PostingID: p.ID, Title: p.Title})
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/health", "")
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
	body := decode[map[string]any](t, resp)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
	last, _ := body["lastPass"].(map[string]any)
	if last["submitted"] != float64(2) {
		t.Fatalf("lastPass = %v", body["lastPass"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodDelete, "/postings", "")
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	e := decode[APIError](t, resp)
	if e.Error.Code == "" || e.Error.RequestID == "" {
		t.Fatalf("error envelope = %+v", e)
	}
}

func TestPushPostings(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.hub.Subscribe()
	defer f.hub.Unsubscribe(ch)

	resp := f.do(t, http.MethodPost, "/postings", `[
		{"sourceSite":"Indeed","externalId":"1","url":"https://indeed.example/1","title":"Go Dev","company":"Acme"},
		{"sourceSite":"indeed","externalId":"1","url":"https://indeed.example/1","title":"Go Dev","company":"Acme"}
	]`)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["received"] != float64(2) || body["changed"] != float64(1) {
		t.Fatalf("body = %v", body)
	}

	select {
	case evt := <-ch:
		if !strings.Contains(evt, events.TypePostingUpserted) {
			t.Fatalf("event = %s", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no upsert event")
	}

	list := decode[[]domain.Posting](t, f.do(t, http.MethodGet, "/postings?site=indeed", ""))
	if len(list) != 1 || list[0].SourceSite != "indeed" {
		t.Fatalf("list = %+v", list)
	}
}

func TestPushSinglePosting(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/postings", `{"sourceSite":"lever","externalId":"x","url":"https://lever.example/x"}`)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["changed"] != float64(1) {
		t.Fatalf("body = %v", body)
	}
}

func TestPushInvalidPostingsReported(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/postings", `[
		{"sourceSite":"lever","externalId":"ok","url":"https://lever.example/ok"},
		{"sourceSite":"lever","url":"https://lever.example/none"}
	]`)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	body := decode[map[string]any](t, resp)
	if body["changed"] != float64(1) {
		t.Fatalf("valid posting not stored: %v", body)
	}
	errs, _ := body["errors"].([]any)
	if len(errs) != 1 || !strings.Contains(errs[0].(string), "external_id") {
		t.Fatalf("errors = %v", body["errors"])
	}
}

func TestPushBadJSON(t *testing.T) {
	f := newFixture(t, nil)
	expectStatus(t, f.do(t, http.MethodPost, "/postings", `{"sourceSite":`), http.StatusBadRequest)
}

func TestGetPostingWithApplications(t *testing.T) {
	f := newFixture(t, nil)
	p := f.seed(t, "indeed", "7")
	f.parked(t, p)

	resp := f.do(t, http.MethodGet, "/postings/"+itoa(p.ID), "")
	expectStatus(t, resp, http.StatusOK)
	body := decode[struct {
		Posting      domain.Posting             `json:"posting"`
		Applications []domain.ApplicationRecord `json:"applications"`
	}](t, resp)
	if body.Posting.ID != p.ID || len(body.Applications) != 1 {
		t.Fatalf("body = %+v", body)
	}

	expectStatus(t, f.do(t, http.MethodGet, "/postings/9999", ""), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodGet, "/postings/abc", ""), http.StatusBadRequest)
}

func TestArchiveAndRequeue(t *testing.T) {
	f := newFixture(t, nil)
	p := f.seed(t, "indeed", "8")
	ctx := context.Background()

	resp := f.do(t, http.MethodPost, "/postings/"+itoa(p.ID)+"/archive", `{"note":"not interested"}`)
	expectStatus(t, resp, http.StatusOK)
	got := decode[domain.Posting](t, resp)
	if got.Status != domain.PostingArchived || got.Note != "not interested" {
		t.Fatalf("archived = %+v", got)
	}

	// archived postings are not requeued
	expectStatus(t, f.do(t, http.MethodPost, "/postings/"+itoa(p.ID)+"/requeue", ""), http.StatusNotFound)

	if err := f.db.SetPostingStatus(ctx, p.ID, domain.PostingReview, 50, "FormNotFound"); err != nil {
		t.Fatal(err)
	}
	resp = f.do(t, http.MethodPost, "/postings/"+itoa(p.ID)+"/requeue", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decode[domain.Posting](t, resp); got.Status != domain.PostingNew {
		t.Fatalf("requeued = %+v", got)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/postings/"+itoa(p.ID)+"/explode", ""), http.StatusNotFound)
}

func TestApprovalsFlow(t *testing.T) {
	f := newFixture(t, nil)
	p1 := f.seed(t, "indeed", "a")
	p2 := f.seed(t, "indeed", "b")
	r1 := f.parked(t, p1)
	r2 := f.parked(t, p2)

	pending := decode[[]PendingApproval](t, f.do(t, http.MethodGet, "/approvals", ""))
	if len(pending) != 2 || pending[0].Posting == nil || pending[0].Posting.ID != p1.ID {
		t.Fatalf("pending = %+v", pending)
	}

	resp := f.do(t, http.MethodPost, "/approvals/"+r1.ID+"/approve", "")
	expectStatus(t, resp, http.StatusOK)
	rec := decode[domain.ApplicationRecord](t, resp)
	if rec.ApprovalDecision == nil || *rec.ApprovalDecision != domain.DecisionApproved {
		t.Fatalf("approved = %+v", rec)
	}

	resp = f.do(t, http.MethodPost, "/approvals/"+r2.ID+"/reject", `{"note":"salary too low"}`)
	expectStatus(t, resp, http.StatusOK)
	rec = decode[domain.ApplicationRecord](t, resp)
	if rec.State != domain.StateAbandoned || rec.FailureReason == nil || !strings.Contains(*rec.FailureReason, "salary too low") {
		t.Fatalf("rejected = %+v", rec)
	}

	// second decision conflicts
	expectStatus(t, f.do(t, http.MethodPost, "/approvals/"+r1.ID+"/reject", ""), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/approvals/missing/approve", ""), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/approvals/"+r1.ID+"/maybe", ""), http.StatusNotFound)

	if left := decode[[]PendingApproval](t, f.do(t, http.MethodGet, "/approvals", "")); len(left) != 0 {
		t.Fatalf("still pending: %+v", left)
	}
}

func TestApplicationsFilter(t *testing.T) {
	f := newFixture(t, nil)
	p := f.seed(t, "indeed", "c")
	rec := f.parked(t, p)

	list := decode[[]domain.ApplicationRecord](t, f.do(t, http.MethodGet, "/applications?state=awaiting_approval", ""))
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Fatalf("list = %+v", list)
	}
	list = decode[[]domain.ApplicationRecord](t, f.do(t, http.MethodGet, "/applications?state=submitted", ""))
	if len(list) != 0 {
		t.Fatalf("submitted = %+v", list)
	}
	expectStatus(t, f.do(t, http.MethodGet, "/applications?state=bogus", ""), http.StatusBadRequest)

	got := decode[domain.ApplicationRecord](t, f.do(t, http.MethodGet, "/applications/"+rec.ID, ""))
	if got.Snapshot == nil || got.Snapshot.Title != p.Title {
		t.Fatalf("get = %+v", got)
	}
	expectStatus(t, f.do(t, http.MethodGet, "/applications/nope", ""), http.StatusNotFound)
}

func TestQuotaAndSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "lever", "1")
	f.seed(t, "indeed", "2")

	quota := decode[[]siteQuota](t, f.do(t, http.MethodGet, "/quota", ""))
	if len(quota) != 2 || quota[0].Site != "indeed" || quota[0].Limit != 5 || quota[0].Used != 0 {
		t.Fatalf("quota = %+v", quota)
	}
	quota = decode[[]siteQuota](t, f.do(t, http.MethodGet, "/quota?site=lever", ""))
	if len(quota) != 1 || quota[0].Site != "lever" {
		t.Fatalf("quota = %+v", quota)
	}

	sessions := decode[[]session.Status](t, f.do(t, http.MethodGet, "/sessions", ""))
	if len(sessions) != 0 {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	cur := decode[config.Config](t, f.do(t, http.MethodGet, "/config", ""))
	cur.Engine.MinScore = 75
	cur.Throttle.SiteLimits = map[string]int{"Indeed": 3}
	b, _ := json.Marshal(cur)

	resp := f.do(t, http.MethodPut, "/config", string(b))
	expectStatus(t, resp, http.StatusOK)
	saved := decode[config.Config](t, resp)
	if saved.Engine.MinScore != 75 || saved.DailyLimitFor("indeed") != 3 {
		t.Fatalf("saved = %+v", saved.Engine)
	}
	if live := f.cfgVal.Load().(config.Config); live.Engine.MinScore != 75 {
		t.Fatal("live config not swapped")
	}
	onDisk, err := config.Load(f.cfgPth)
	if err != nil || onDisk.Engine.MinScore != 75 {
		t.Fatalf("on disk = %d, %v", onDisk.Engine.MinScore, err)
	}

	// zero is a real threshold, not a missing value
	resp = f.do(t, http.MethodPut, "/config", `{"engine":{"min_score":0,"profile_path":"`+cur.Engine.ProfilePath+`"}}`)
	expectStatus(t, resp, http.StatusOK)
	if saved := decode[config.Config](t, resp); saved.Engine.MinScore != 0 || saved.Engine.Workers == 0 {
		t.Fatalf("saved engine = %+v", saved.Engine)
	}

	cur.Engine.MinScore = 140
	b, _ = json.Marshal(cur)
	resp = f.do(t, http.MethodPut, "/config", string(b))
	expectStatus(t, resp, http.StatusBadRequest)
	vr := decode[config.Validation](t, resp)
	if len(vr.Errors) == 0 {
		t.Fatal("expected validation errors")
	}

	expectStatus(t, f.do(t, http.MethodPut, "/config", `{"nope":1}`), http.StatusBadRequest)

	vr = decode[config.Validation](t, f.do(t, http.MethodGet, "/config/validate", ""))
	if vr.Errors == nil || len(vr.Errors) != 0 {
		t.Fatalf("validate = %+v", vr)
	}
	path := decode[map[string]string](t, f.do(t, http.MethodGet, "/config/path", ""))
	if !filepath.IsAbs(path["path"]) {
		t.Fatalf("path = %q", path["path"])
	}
}

func TestSecretsRejectUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	expectStatus(t, f.do(t, http.MethodPost, "/api/secrets/ftp", `{"value":"x"}`), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/api/secrets/solver", `{"value":""}`), http.StatusBadRequest)
}

func TestDiscoveryDisabled(t *testing.T) {
	f := newFixture(t, nil)
	expectStatus(t, f.do(t, http.MethodPost, "/discovery/run", ""), http.StatusServiceUnavailable)
}

func TestDiscoveryTrigger(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	f := newFixture(t, func(ctx context.Context) (int, error) {
		defer close(done)
		<-release
		return 3, errors.New("lever: boom")
	})

	expectStatus(t, f.do(t, http.MethodPost, "/discovery/run", ""), http.StatusAccepted)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := decode[DiscoveryStatus](t, f.do(t, http.MethodGet, "/discovery/status", ""))
		if st.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never reported running")
		}
		time.Sleep(10 * time.Millisecond)
	}
	expectStatus(t, f.do(t, http.MethodPost, "/discovery/run", ""), http.StatusConflict)

	close(release)
	<-done
	deadline = time.Now().Add(2 * time.Second)
	for {
		st := decode[DiscoveryStatus](t, f.do(t, http.MethodGet, "/discovery/status", ""))
		if !st.Running {
			if st.LastAdded != 3 || st.LastError != "lever: boom" {
				t.Fatalf("status = %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	readData := func() string {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}
	if ping := readData(); !strings.Contains(ping, events.TypePing) {
		t.Fatalf("first event = %s", ping)
	}

	// the handler subscribes before the ping, so this publish is delivered
	events.Emit(f.hub, events.TypeSessionRetired, map[string]any{"sessionId": "s1"})
	if evt := readData(); !strings.Contains(evt, "s1") {
		t.Fatalf("event = %s", evt)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestTypeFilter(t *testing.T) {
	keep := typeFilter("approval.pending, application.")
	cases := map[string]bool{
		events.MakeEvent("", events.TypeApprovalPending, 1, nil):  true,
		events.MakeEvent("", events.TypeApplicationState, 1, nil): true,
		events.MakeEvent("", events.TypeSessionRetired, 1, nil):   false,
		"not json": false,
	}
	for msg, want := range cases {
		if got := keep(msg); got != want {
			t.Errorf("keep(%s) = %v, want %v", msg, got, want)
		}
	}
	if !typeFilter("")("anything") {
		t.Fatal("empty filter must pass everything")
	}
}

func TestDomainErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("posting 3: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrRecordImmutable, http.StatusConflict},
		{fmt.Errorf("site x: %w", domain.ErrQuotaExceeded), http.StatusTooManyRequests},
		{domain.ErrResourceUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeDomainError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rr.Code != tc.want {
			t.Errorf("%v: status %d, want %d", tc.err, rr.Code, tc.want)
		}
	}
}
