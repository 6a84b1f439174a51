package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"digiqc/internal/auth"
	"digiqc/internal/config"
	"digiqc/internal/db"
	"digiqc/internal/domain"
	"digiqc/internal/engine"
	"digiqc/internal/migrate"
	"digiqc/internal/remote"
	"digiqc/internal/repo"
	"digiqc/internal/syncqueue"
)

type stubRemote struct {
	err error
}

func (s *stubRemote) SaveInspection(_ context.Context, p domain.InspectionPayload) (remote.SaveResult, error) {
	if s.err != nil {
		return remote.SaveResult{}, s.err
	}
	return remote.SaveResult{ID: "srv-" + p.ID}, nil
}

type testServer struct {
	URL    string
	Token  string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	queue, err := syncqueue.Open(ctx, syncqueue.Options{Persister: repo.SyncQueue{DB: conn}, Logger: logger})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, queue)
	e.Remote = &stubRemote{}
	e.Log = logger
	issuer := auth.Issuer{Secret: "test-secret", TTL: time.Hour}
	handler, err := New(Config{Engine: e, Issuer: issuer, BasePath: "/v0", DevLogin: true, Logger: logger})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	token, _, err := issuer.Mint(auth.Session{User: remote.TenantUser{ID: "inspector-1", FirstName: "Asha"}})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Token:  token,
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// call sends an authenticated request and fails unless the status matches.
func (s *testServer) call(t *testing.T, method, path string, body any, want int, out any) []byte {
	t.Helper()
	res, data := doJSON(t, s.client, method, s.URL+"/v0"+path, body, map[string]string{"Authorization": "Bearer " + s.Token})
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, res.StatusCode, want, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: unmarshal: %v (%s)", method, path, err, string(data))
		}
	}
	return data
}

func errorBody(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

// fillDraft walks a new draft through every step up to Completion.
func fillDraft(t *testing.T, s *testServer, id string) {
	t.Helper()
	s.call(t, http.MethodPost, "/drafts", map[string]any{"id": id}, http.StatusCreated, nil)
	var setup SetupResponse
	s.call(t, http.MethodPut, "/drafts/"+id+"/setup", map[string]any{"task_name": "Block A", "checklist_type": "Structural"}, http.StatusOK, &setup)
	if !setup.Advanced || setup.Draft.StepName != "Collaborators" {
		t.Fatalf("expected setup to advance to Collaborators, got %+v", setup)
	}
	s.call(t, http.MethodPut, "/drafts/"+id+"/collaborators", map[string]any{"toggle_role": "Engineer"}, http.StatusOK, nil)
	s.call(t, http.MethodPost, "/drafts/"+id+"/next", nil, http.StatusOK, nil)
	s.call(t, http.MethodPut, "/drafts/"+id+"/diagram", map[string]any{"has_diagram": false, "image": "file:///diagram.png"}, http.StatusOK, nil)
	s.call(t, http.MethodPost, "/drafts/"+id+"/next", nil, http.StatusOK, nil)
	proof := "file:///proof.jpg"
	answers := map[int]any{1: "Yes", 2: "3.2", 3: "Approved", 4: true}
	for qid, ans := range answers {
		var q QuestionResponse
		s.call(t, http.MethodPut, fmt.Sprintf("/drafts/%s/questions/%d", id, qid), map[string]any{"answer": ans, "proof_uri": proof}, http.StatusOK, &q)
		if !q.Completed {
			t.Fatalf("question %d not completed", qid)
		}
	}
	var d DraftResponse
	s.call(t, http.MethodPost, "/drafts/"+id+"/next", nil, http.StatusOK, &d)
	if d.StepName != "Completion" {
		t.Fatalf("expected Completion, got %s", d.StepName)
	}
	s.call(t, http.MethodPut, "/drafts/"+id+"/completion", map[string]any{"recheck_at": "2025-01-02T09:00:00Z"}, http.StatusOK, nil)
}

func TestHealthIsPublicAndDraftsNeedToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/drafts", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	if got := errorBody(t, data).Code; got != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", got)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sync/queue", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestOpenAPIServesSameDocumentConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	docs := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			docs <- string(data)
		}()
	}
	var first string
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("get openapi: %v", err)
		case doc := <-docs:
			if !strings.Contains(doc, `"openapi"`) {
				t.Fatalf("unexpected document: %.200s", doc)
			}
			if first == "" {
				first = doc
			} else if doc != first {
				t.Fatal("concurrent requests got different documents")
			}
		}
	}
}

func TestDevLoginTokenReachesMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": "dev-7", "name": "Ravi"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login LoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "dev-7" || me.Name != "Ravi" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestChecklistsListsTemplate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var resp ChecklistsResponse
	srv.call(t, http.MethodGet, "/checklists", nil, http.StatusOK, &resp)
	if len(resp.Types) == 0 || resp.Types[0] != "Structural" {
		t.Fatalf("unexpected types %v", resp.Types)
	}
	if len(resp.Questions) != 4 || resp.Questions[3].Kind != "yes_no" {
		t.Fatalf("unexpected questions %+v", resp.Questions)
	}
}

func TestDraftFlowSubmitOffline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	fillDraft(t, srv, "insp-1")
	var sub SubmitResponse
	srv.call(t, http.MethodPost, "/drafts/insp-1/submit", map[string]any{"is_online": false}, http.StatusOK, &sub)
	if sub.Outcome != "queued" || sub.Message != "You are offline. Saved to sync queue." || sub.ItemID == "" {
		t.Fatalf("unexpected submit response %+v", sub)
	}

	// Submitted drafts are gone.
	srv.call(t, http.MethodGet, "/drafts/insp-1", nil, http.StatusNotFound, nil)

	var items []SyncItemResponse
	srv.call(t, http.MethodGet, "/sync/queue", nil, http.StatusOK, &items)
	if len(items) != 1 || items[0].ID != sub.ItemID || items[0].Status != "pending" || items[0].Kind != "inspection_submit" {
		t.Fatalf("unexpected queue %+v", items)
	}
	var item SyncItemResponse
	srv.call(t, http.MethodGet, "/sync/queue/"+sub.ItemID, nil, http.StatusOK, &item)
	payload, _ := json.Marshal(item.Payload)
	if !strings.Contains(string(payload), `"task_name":"Block A"`) {
		t.Fatalf("queued payload missing task: %s", payload)
	}
}

func TestDraftFlowSubmitOnline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	fillDraft(t, srv, "insp-2")
	var sub SubmitResponse
	srv.call(t, http.MethodPost, "/drafts/insp-2/submit", map[string]any{"is_online": true}, http.StatusOK, &sub)
	if sub.Outcome != "saved_remote" || sub.RemoteID != "srv-insp-2" {
		t.Fatalf("unexpected submit response %+v", sub)
	}
	var items []SyncItemResponse
	srv.call(t, http.MethodGet, "/sync/queue", nil, http.StatusOK, &items)
	if len(items) != 0 {
		t.Fatalf("expected empty queue, got %d", len(items))
	}
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	srv.call(t, http.MethodPost, "/drafts", map[string]any{"id": "insp-3"}, http.StatusCreated, nil)
	data := srv.call(t, http.MethodPost, "/drafts/insp-3/next", nil, http.StatusUnprocessableEntity, nil)
	body := errorBody(t, data)
	if body.Code != "validation_failed" || body.Details["rule"] != "task_name_required" {
		t.Fatalf("unexpected error %+v", body)
	}

	var back BackResponse
	srv.call(t, http.MethodPost, "/drafts/insp-3/back", nil, http.StatusOK, &back)
	if !back.CancelRequested || back.Draft.StepName != "Setup" {
		t.Fatalf("expected cancel request on Setup, got %+v", back)
	}

	srv.call(t, http.MethodPut, "/drafts/insp-3/setup", map[string]any{"task_name": "Block B", "checklist_type": "Safety"}, http.StatusOK, nil)
	srv.call(t, http.MethodPost, "/drafts/insp-3/next", nil, http.StatusOK, nil)
	data = srv.call(t, http.MethodPost, "/drafts/insp-3/next", nil, http.StatusUnprocessableEntity, nil)
	if rule := errorBody(t, data).Details["rule"]; rule != "diagram_answer_required" {
		t.Fatalf("expected diagram_answer_required, got %v", rule)
	}
	srv.call(t, http.MethodPut, "/drafts/insp-3/diagram", map[string]any{"has_diagram": true}, http.StatusOK, nil)
	data = srv.call(t, http.MethodPost, "/drafts/insp-3/next", nil, http.StatusUnprocessableEntity, nil)
	if body := errorBody(t, data); body.Details["rule"] != "diagram_image_required" || body.Message != "Diagram image is mandatory." {
		t.Fatalf("unexpected diagram error %+v", body)
	}
	srv.call(t, http.MethodPut, "/drafts/insp-3/diagram", map[string]any{"image": "file:///d.png"}, http.StatusOK, nil)
	srv.call(t, http.MethodPost, "/drafts/insp-3/next", nil, http.StatusOK, nil)

	// Negative answer without a comment is rejected and nothing is stored.
	data = srv.call(t, http.MethodPut, "/drafts/insp-3/questions/4", map[string]any{"answer": false}, http.StatusUnprocessableEntity, nil)
	if rule := errorBody(t, data).Details["rule"]; rule != "comment_required" {
		t.Fatalf("expected comment_required, got %v", rule)
	}
	var q QuestionResponse
	srv.call(t, http.MethodGet, "/drafts/insp-3/questions/4", nil, http.StatusOK, &q)
	if q.Completed || q.Answer != nil {
		t.Fatalf("rejected answer was stored: %+v", q)
	}
	srv.call(t, http.MethodPut, "/drafts/insp-3/questions/4", map[string]any{"answer": false, "comment": "barrier missing"}, http.StatusOK, &q)
	if !q.Completed || q.Answer != false {
		t.Fatalf("expected saved answer, got %+v", q)
	}
	srv.call(t, http.MethodGet, "/drafts/insp-3/questions/99", nil, http.StatusNotFound, nil)

	data = srv.call(t, http.MethodPost, "/drafts/insp-3/next", nil, http.StatusUnprocessableEntity, nil)
	if rule := errorBody(t, data).Details["rule"]; rule != "questions_incomplete" {
		t.Fatalf("expected questions_incomplete, got %v", rule)
	}
}

func TestPauseAndResume(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	srv.call(t, http.MethodPost, "/drafts", map[string]any{"id": "insp-4"}, http.StatusCreated, nil)
	srv.call(t, http.MethodPut, "/drafts/insp-4/setup", map[string]any{"task_name": "Tower C", "checklist_type": "Finishing"}, http.StatusOK, nil)
	var paused PausedDraftResponse
	srv.call(t, http.MethodPost, "/drafts/insp-4/pause", nil, http.StatusOK, &paused)
	if paused.StepName != "Collaborators" {
		t.Fatalf("unexpected paused step %s", paused.StepName)
	}
	srv.call(t, http.MethodGet, "/drafts/insp-4", nil, http.StatusNotFound, nil)

	var list []PausedDraftResponse
	srv.call(t, http.MethodGet, "/drafts/paused", nil, http.StatusOK, &list)
	if len(list) != 1 || list[0].TaskName != "Tower C" {
		t.Fatalf("unexpected paused list %+v", list)
	}
	var d DraftResponse
	srv.call(t, http.MethodPost, "/drafts/paused/insp-4/resume", nil, http.StatusOK, &d)
	if d.StepName != "Collaborators" || d.TaskName != "Tower C" {
		t.Fatalf("unexpected resumed draft %+v", d)
	}
	srv.call(t, http.MethodGet, "/drafts/paused", nil, http.StatusOK, &list)
	if len(list) != 0 {
		t.Fatalf("expected paused list empty after resume, got %d", len(list))
	}
	srv.call(t, http.MethodDelete, "/drafts/insp-4", nil, http.StatusNoContent, nil)
	srv.call(t, http.MethodGet, "/drafts/insp-4", nil, http.StatusNotFound, nil)
}

func TestRetryAndClearSynced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	fillDraft(t, srv, "insp-5")
	var sub SubmitResponse
	srv.call(t, http.MethodPost, "/drafts/insp-5/submit", map[string]any{"is_online": false}, http.StatusOK, &sub)

	// Pending items cannot be retried.
	srv.call(t, http.MethodPost, "/sync/queue/"+sub.ItemID+"/retry", nil, http.StatusConflict, nil)
	srv.call(t, http.MethodPost, "/sync/queue/missing/retry", nil, http.StatusNotFound, nil)

	var rep engine.FlushReport
	srv.call(t, http.MethodPost, "/sync/flush", nil, http.StatusOK, &rep)
	if rep.Synced != 1 {
		t.Fatalf("expected one synced item, got %+v", rep)
	}
	var cleared ClearSyncedResponse
	srv.call(t, http.MethodPost, "/sync/queue/clear-synced", nil, http.StatusOK, &cleared)
	if cleared.Removed != 1 {
		t.Fatalf("expected one removed, got %d", cleared.Removed)
	}
	srv.call(t, http.MethodPost, "/sync/queue/clear-synced", nil, http.StatusOK, &cleared)
	if cleared.Removed != 0 {
		t.Fatalf("expected clear to be idempotent, got %d", cleared.Removed)
	}
}

func TestQueueImageUploadRejectsRemoteURI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	srv.call(t, http.MethodPost, "/sync/images", map[string]any{"draft_id": "insp-6", "uri": "https://cdn/x.jpg"}, http.StatusBadRequest, nil)
	var item SyncItemResponse
	srv.call(t, http.MethodPost, "/sync/images", map[string]any{"draft_id": "insp-6", "question_id": 1, "uri": "file:///tmp/q1.jpg"}, http.StatusAccepted, &item)
	if item.Kind != "image_upload" || item.Status != "pending" {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestEventsPaginate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		srv.call(t, http.MethodPost, "/sync/images", map[string]any{"draft_id": "insp-7", "uri": fmt.Sprintf("file:///tmp/%d.jpg", i)}, http.StatusAccepted, nil)
	}
	var page paginatedEvents
	srv.call(t, http.MethodGet, "/events?type=image.queued&limit=2", nil, http.StatusOK, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	srv.call(t, http.MethodGet, "/events?type=image.queued&limit=2&cursor="+page.NextCursor, nil, http.StatusOK, &page)
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
	srv.call(t, http.MethodGet, "/events?cursor=abc", nil, http.StatusBadRequest, nil)
}

func TestQueueStreamPushesSnapshots(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/sync/queue/stream?access_token=" + srv.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first []SyncItemResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if len(first) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(first))
	}

	srv.call(t, http.MethodPost, "/sync/images", map[string]any{"draft_id": "insp-8", "uri": "file:///tmp/a.jpg"}, http.StatusAccepted, nil)
	var next []SyncItemResponse
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if len(next) != 1 || next[0].Kind != "image_upload" {
		t.Fatalf("unexpected update %+v", next)
	}

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v0/sync/queue/stream", nil)
	if err == nil {
		t.Fatalf("expected stream without token to be rejected")
	}
}
