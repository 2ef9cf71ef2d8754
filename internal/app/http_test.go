package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestHandler(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv()
	server := NewHTTPServer(env.service, "*")
	return env, server.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	var decoded map[string]any
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func TestHealthAndReady(t *testing.T) {
	_, handler := newTestHandler(t)

	rec, body := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Errorf("health: got %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready: got %d %v", rec.Code, body)
	}
}

func TestSessionEcho(t *testing.T) {
	_, handler := newTestHandler(t)

	rec, body := doRequest(t, handler, http.MethodGet, "/session", "", nil)
	if rec.Code != http.StatusOK || body["authenticated"] != false {
		t.Errorf("anonymous session: got %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, handler, http.MethodGet, "/session", "token-maya", nil)
	if rec.Code != http.StatusOK || body["authenticated"] != true || body["userId"] != "uid-maya" {
		t.Errorf("verified session: got %d %v", rec.Code, body)
	}

	// Invalid tokens degrade to anonymous on the echo route, never 401.
	rec, body = doRequest(t, handler, http.MethodGet, "/session", "bogus", nil)
	if rec.Code != http.StatusOK || body["authenticated"] != false {
		t.Errorf("invalid-token session: got %d %v", rec.Code, body)
	}
}

func TestAuthRequiredRoutes(t *testing.T) {
	_, handler := newTestHandler(t)

	cases := []struct {
		method, path string
	}{
		{http.MethodPost, "/projects"},
		{http.MethodGet, "/projects"},
		{http.MethodPatch, "/projects/prj_x"},
		{http.MethodDelete, "/projects/prj_x"},
		{http.MethodPost, "/projects/prj_x/publish"},
		{http.MethodPost, "/comments"},
	}
	for _, tc := range cases {
		rec, body := doRequest(t, handler, tc.method, tc.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: got %d, want 401", tc.method, tc.path, rec.Code)
		}
		if body["code"] != "UNAUTHENTICATED" {
			t.Errorf("%s %s: code %v", tc.method, tc.path, body["code"])
		}

		rec, _ = doRequest(t, handler, tc.method, tc.path, "bogus", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with invalid token: got %d, want 401", tc.method, tc.path, rec.Code)
		}
	}
}

// Create a project with an empty document, check defaults, and confirm it
// lists first for its owner.
func TestCreateAndListFlow(t *testing.T) {
	_, handler := newTestHandler(t)

	rec, created := doRequest(t, handler, http.MethodPost, "/projects", "token-maya", map[string]any{
		"title":    "Draft A",
		"snapshot": map[string]any{"shapes": []any{}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d %v", rec.Code, created)
	}
	if created["published"] != false {
		t.Errorf("expected published=false, got %v", created["published"])
	}
	if created["thumbnailUrl"] != nil {
		t.Errorf("expected thumbnailUrl=null, got %v", created["thumbnailUrl"])
	}

	rec, body := doRequest(t, handler, http.MethodGet, "/projects", "token-maya", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	projects := body["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
	first := projects[0].(map[string]any)
	if first["id"] != created["id"] {
		t.Errorf("expected the new project first, got %v", first["id"])
	}

	rec, _ = doRequest(t, handler, http.MethodPost, "/projects", "token-maya", map[string]any{
		"title": "",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create without title/snapshot: got %d, want 400", rec.Code)
	}
}

// An unpublished project is a 403 for visitors until the owner publishes it.
func TestPublishUnlocksViewer(t *testing.T) {
	_, handler := newTestHandler(t)

	_, created := doRequest(t, handler, http.MethodPost, "/projects", "token-maya", map[string]any{
		"title":    "Gallery piece",
		"snapshot": map[string]any{"shapes": []any{map[string]any{"type": "rect"}}},
	})
	projectID := created["id"].(string)

	rec, body := doRequest(t, handler, http.MethodGet, "/projects/"+projectID, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous read of unpublished: got %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, handler, http.MethodPost, "/projects/"+projectID+"/publish", "token-maya", nil)
	if rec.Code != http.StatusOK || body["published"] != true {
		t.Fatalf("publish: got %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, handler, http.MethodGet, "/projects/"+projectID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous read after publish: got %d", rec.Code)
	}
	if _, ok := body["snapshot"]; !ok {
		t.Error("expected snapshot in published project response")
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/projects/prj_missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing project: got %d, want 404", rec.Code)
	}
}

// Title-only PATCH leaves the snapshot alone and advances updatedAt.
func TestPatchTitleOnly(t *testing.T) {
	_, handler := newTestHandler(t)

	_, created := doRequest(t, handler, http.MethodPost, "/projects", "token-maya", map[string]any{
		"title":    "Original",
		"snapshot": map[string]any{"layers": 3},
	})
	projectID := created["id"].(string)

	rec, updated := doRequest(t, handler, http.MethodPatch, "/projects/"+projectID, "token-maya", map[string]any{
		"title": "Renamed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: got %d %v", rec.Code, updated)
	}
	if updated["title"] != "Renamed" {
		t.Errorf("title: got %v", updated["title"])
	}
	snapshot := updated["snapshot"].(map[string]any)
	if snapshot["layers"] != float64(3) {
		t.Errorf("snapshot must be unchanged, got %v", snapshot)
	}
	if updated["updatedAt"] == created["updatedAt"] {
		t.Error("updatedAt must advance")
	}

	rec, _ = doRequest(t, handler, http.MethodPatch, "/projects/"+projectID, "token-devon", map[string]any{
		"title": "Stolen",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-owner patch: got %d, want 403", rec.Code)
	}
}

// A non-author can comment on a published project and the list stays in
// creation order.
func TestCommentFlow(t *testing.T) {
	_, handler := newTestHandler(t)

	_, created := doRequest(t, handler, http.MethodPost, "/projects", "token-maya", map[string]any{
		"title":    "Open for feedback",
		"snapshot": map[string]any{},
	})
	projectID := created["id"].(string)

	rec, body := doRequest(t, handler, http.MethodPost, "/comments", "token-devon", map[string]any{
		"projectId": projectID,
		"content":   "too early",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("comment on unpublished: got %d %v", rec.Code, body)
	}

	doRequest(t, handler, http.MethodPost, "/projects/"+projectID+"/publish", "token-maya", nil)

	rec, body = doRequest(t, handler, http.MethodPost, "/comments", "token-maya", map[string]any{
		"projectId": projectID,
		"content":   "kicking things off",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first comment: got %d %v", rec.Code, body)
	}

	rec, body = doRequest(t, handler, http.MethodPost, "/comments", "token-devon", map[string]any{
		"projectId": projectID,
		"content":   "love the palette",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("second comment: got %d %v", rec.Code, body)
	}
	author := body["author"].(map[string]any)
	if author["name"] != "Devon" {
		t.Errorf("author summary: got %v", author)
	}

	rec, body = doRequest(t, handler, http.MethodGet, "/comments/"+projectID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list comments: got %d", rec.Code)
	}
	comments := body["comments"].([]any)
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
	last := comments[1].(map[string]any)
	if last["content"] != "love the palette" {
		t.Errorf("expected ascending creation order, got %v", comments)
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/comments/prj_missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("comments of missing project: got %d, want 404", rec.Code)
	}
}

// Deleting a project with a thumbnail and comments removes everything.
func TestDeleteCascadeFlow(t *testing.T) {
	env, handler := newTestHandler(t)

	_, created := doRequest(t, handler, http.MethodPost, "/projects", "token-maya", map[string]any{
		"title":     "Short lived",
		"snapshot":  map[string]any{},
		"thumbnail": "cG5nLWJ5dGVz",
	})
	projectID := created["id"].(string)
	if created["thumbnailUrl"] == nil {
		t.Fatal("expected thumbnail URL after create")
	}

	doRequest(t, handler, http.MethodPost, "/projects/"+projectID+"/publish", "token-maya", nil)
	for _, content := range []string{"one", "two"} {
		rec, _ := doRequest(t, handler, http.MethodPost, "/comments", "token-devon", map[string]any{
			"projectId": projectID,
			"content":   content,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("comment %q: got %d", content, rec.Code)
		}
	}

	rec, body := doRequest(t, handler, http.MethodDelete, "/projects/"+projectID, "token-maya", nil)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("delete: got %d %v", rec.Code, body)
	}

	if env.thumbs.removedCount() != 1 {
		t.Errorf("expected thumbnail deletion attempt, removed=%d", env.thumbs.removedCount())
	}
	if len(env.store.comments[projectID]) != 0 {
		t.Error("expected comment rows removed")
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/projects/"+projectID, "token-maya", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", rec.Code)
	}
}

func TestHistoryRoutes(t *testing.T) {
	_, handler := newTestHandler(t)

	_, created := doRequest(t, handler, http.MethodPost, "/projects", "token-maya", map[string]any{
		"title":    "Tracked",
		"snapshot": map[string]any{"v": 1},
	})
	projectID := created["id"].(string)

	rec, _ := doRequest(t, handler, http.MethodGet, "/projects/"+projectID+"/history", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous history of unpublished: got %d, want 403", rec.Code)
	}

	rec, body := doRequest(t, handler, http.MethodGet, "/projects/"+projectID+"/history", "token-maya", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner history: got %d", rec.Code)
	}
	revisions := body["revisions"].([]any)
	if len(revisions) != 1 {
		t.Fatalf("expected the create revision, got %d", len(revisions))
	}
	hash := revisions[0].(map[string]any)["hash"].(string)

	rec, body = doRequest(t, handler, http.MethodGet, "/projects/"+projectID+"/history/"+hash, "token-maya", nil)
	if rec.Code != http.StatusOK || body["title"] != "Tracked" {
		t.Errorf("snapshot at revision: got %d %v", rec.Code, body)
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/projects/"+projectID+"/history?limit=abc", "token-maya", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", rec.Code)
	}
}
