package app

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"parley/internal/llm"
	"parley/internal/model"
	"parley/internal/sources"
	"parley/internal/store"

	"github.com/google/uuid"
)

type apiHarness struct {
	t      *testing.T
	fs     *fakeStore
	svc    *Service
	server http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	fs := newFakeStore()
	svc := newTestService(fs)
	return &apiHarness{t: t, fs: fs, svc: svc, server: NewHTTPServer(svc, "*").Handler()}
}

func (h *apiHarness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.server.ServeHTTP(rr, req)
	return rr
}

func (h *apiHarness) login(name string) model.Session {
	h.t.Helper()
	rr := h.do(http.MethodPost, "/api/session/login", "", map[string]string{"name": name})
	if rr.Code != http.StatusOK {
		h.t.Fatalf("login status = %d body=%s", rr.Code, rr.Body.String())
	}
	var session model.Session
	decodeResponse(h.t, rr, &session)
	return session
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decodeResponse(t, rr, &body)
	return body.Code
}

func TestLoginAndSessionEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	session := h.login("Ada")
	if session.Token == "" || session.RefreshToken == "" || session.UserName != "Ada" || session.ExpiresAt == 0 {
		t.Fatalf("login payload = %+v", session)
	}

	rr := h.do(http.MethodGet, "/api/session", session.Token, nil)
	var status map[string]any
	decodeResponse(t, rr, &status)
	if status["authenticated"] != true || status["userName"] != "Ada" {
		t.Fatalf("session status = %v", status)
	}

	rr = h.do(http.MethodGet, "/api/session", "", nil)
	decodeResponse(t, rr, &status)
	if status["authenticated"] != false {
		t.Fatalf("anonymous session status = %v", status)
	}
}

func TestGuestLoginEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(http.MethodPost, "/api/session/login", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("guest login status = %d body=%s", rr.Code, rr.Body.String())
	}
	var session model.Session
	decodeResponse(t, rr, &session)
	if !session.Anonymous {
		t.Fatalf("guest session = %+v", session)
	}
}

func TestRefreshAndLogoutEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")

	rr := h.do(http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rr.Code)
	}
	var next model.Session
	decodeResponse(t, rr, &next)

	rr = h.do(http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh status = %d, want 401", rr.Code)
	}

	rr = h.do(http.MethodPost, "/api/session/logout", next.Token, map[string]string{"refreshToken": next.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rr.Code)
	}
	rr = h.do(http.MethodGet, "/api/chats", next.Token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("chats after logout status = %d, want 401", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newAPIHarness(t)

	for _, path := range []string{"/api/chats", "/api/user", "/api/keys", "/api/search?q=x", "/api/archive"} {
		rr := h.do(http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, rr.Code)
		}
		if code := errorCode(t, rr); code != "UNAUTHORIZED" {
			t.Errorf("GET %s code = %q", path, code)
		}
	}
	rr := h.do(http.MethodGet, "/api/chats", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rr.Code)
	}
}

func TestChatEndpointsLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")

	rr := h.do(http.MethodPost, "/api/chats", session.Token, map[string]string{"title": "Trip"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rr.Code, rr.Body.String())
	}
	var chat model.Chat
	decodeResponse(t, rr, &chat)

	rr = h.do(http.MethodPatch, "/api/chats/"+chat.ID, session.Token, map[string]string{"title": "Trip to Lisbon"})
	if rr.Code != http.StatusOK {
		t.Fatalf("rename status = %d", rr.Code)
	}

	rr = h.do(http.MethodPost, "/api/chats/"+chat.ID+"/messages", session.Token, map[string]string{"role": "user", "content": "Where to eat?"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("append status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = h.do(http.MethodGet, "/api/chats/"+chat.ID+"/messages", session.Token, nil)
	var messages struct {
		Items []model.Message `json:"items"`
	}
	decodeResponse(t, rr, &messages)
	if len(messages.Items) != 1 || messages.Items[0].Content != "Where to eat?" {
		t.Fatalf("messages = %+v", messages.Items)
	}

	rr = h.do(http.MethodGet, "/api/chats", session.Token, nil)
	var list struct {
		Items []model.Chat `json:"items"`
	}
	decodeResponse(t, rr, &list)
	if len(list.Items) != 1 || list.Items[0].Title != "Trip to Lisbon" {
		t.Fatalf("chats = %+v", list.Items)
	}

	rr = h.do(http.MethodDelete, "/api/chats/"+chat.ID, session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = h.do(http.MethodGet, "/api/chats/"+chat.ID, session.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", rr.Code)
	}

	rr = h.do(http.MethodGet, "/api/archive", session.Token, nil)
	var archived struct {
		Items []map[string]any `json:"items"`
	}
	decodeResponse(t, rr, &archived)
	if len(archived.Items) != 1 {
		t.Fatalf("archive items = %+v", archived.Items)
	}
}

func TestChatEndpointsHideOtherUsersChats(t *testing.T) {
	h := newAPIHarness(t)
	owner := h.login("Ada")
	stranger := h.login("Grace")
	chat := h.fs.addChat(store.Chat{ID: uuid.NewString(), UserID: owner.UserID, Title: "Private"})

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rr := h.do(method, "/api/chats/"+chat.ID, stranger.Token, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s stranger status = %d, want 404", method, rr.Code)
		}
	}
}

func TestInvalidBodyIsRejected(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")

	req := httptest.NewRequest(http.MethodPost, "/api/chats", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()
	h.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "INVALID_BODY" {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func readEvents(t *testing.T, body string) ([]model.StreamEvent, bool) {
	t.Helper()
	var events []model.StreamEvent
	done := false
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		var event model.StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			t.Fatalf("decode event %q: %v", payload, err)
		}
		events = append(events, event)
	}
	return events, done
}

func TestCompletionsEndpointStreamsEvents(t *testing.T) {
	h := newAPIHarness(t)
	h.svc.llm = &fakeLLM{deltas: []llm.Delta{{Text: "Hi"}, {Text: "!"}}}
	session := h.login("Ada")
	chat := h.fs.addChat(store.Chat{ID: uuid.NewString(), UserID: session.UserID})

	rr := h.do(http.MethodPost, "/api/chats/"+chat.ID+"/completions", session.Token, model.CompletionRequest{Content: "hello"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	events, done := readEvents(t, rr.Body.String())
	if !done || len(events) != 3 {
		t.Fatalf("events = %+v done=%v", events, done)
	}
	if events[0].Type != model.EventPart || events[0].Part.Text != "Hi" {
		t.Fatalf("first event = %+v", events[0])
	}
	last := events[2]
	if last.Type != model.EventFinish || last.Message == nil || last.Message.Content != "Hi!" {
		t.Fatalf("finish event = %+v", last)
	}
	if got := sources.Text(last.Message.Parts); got != "Hi!" {
		t.Fatalf("finish parts text = %q", got)
	}
}

func TestCompletionsEndpointErrorsBeforeStreamAreJSON(t *testing.T) {
	h := newAPIHarness(t)
	h.svc.cfg.DailyMessageLimit = 1
	h.fs.usage["user-Ada"] = 1
	session := h.login("Ada")
	chat := h.fs.addChat(store.Chat{ID: uuid.NewString(), UserID: session.UserID})

	rr := h.do(http.MethodPost, "/api/chats/"+chat.ID+"/completions", session.Token, model.CompletionRequest{Content: "hello"})
	if rr.Code != http.StatusTooManyRequests || errorCode(t, rr) != "QUOTA_EXCEEDED" {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSourcesEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")
	chat := h.fs.addChat(store.Chat{ID: uuid.NewString(), UserID: session.UserID})
	h.fs.addMessage(store.Message{ID: uuid.NewString(), ChatID: chat.ID, Role: "assistant", Parts: json.RawMessage(`[
		{"type":"tool-invocation","toolInvocation":{"state":"result","toolName":"file_search","result":{"results":[{"file_id":"file-abcdefgh"}]}}}
	]`)})

	rr := h.do(http.MethodGet, "/api/chats/"+chat.ID+"/sources", session.Token, nil)
	var body struct {
		Items []sources.NormalizedSource `json:"items"`
	}
	decodeResponse(t, rr, &body)
	if len(body.Items) != 1 || body.Items[0].Title != "Document file-a" {
		t.Fatalf("sources = %+v", body.Items)
	}
}

func TestExportEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")
	chat := h.fs.addChat(store.Chat{ID: uuid.NewString(), UserID: session.UserID})

	rr := h.do(http.MethodPost, "/api/chats/"+chat.ID+"/export", session.Token, map[string]string{"format": "md"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "chat.md") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if !h.svc.export.(*fakeExporter).last.IncludeSources {
		t.Fatal("includeSources should default to true")
	}

	rr = h.do(http.MethodPost, "/api/chats/"+chat.ID+"/export", session.Token, map[string]string{"format": "pdf"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("pdf status = %d, want 503", rr.Code)
	}
	rr = h.do(http.MethodPost, "/api/chats/"+chat.ID+"/export", session.Token, map[string]string{"format": "docx"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("docx status = %d, want 422", rr.Code)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")
	chat := h.fs.addChat(store.Chat{ID: uuid.NewString(), UserID: session.UserID})
	answer := h.fs.addMessage(store.Message{ID: uuid.NewString(), ChatID: chat.ID, Role: "assistant", Content: "42"})

	rr := h.do(http.MethodPost, "/api/messages/"+answer.ID+"/feedback", session.Token, map[string]string{"rating": "up"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var saved model.Feedback
	decodeResponse(t, rr, &saved)
	if saved.MessageID != answer.ID || saved.Rating != "up" {
		t.Fatalf("feedback = %+v", saved)
	}
}

func TestKeysEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")

	rr := h.do(http.MethodPut, "/api/keys/openai", session.Token, map[string]string{"key": "sk-abcdefghijkl"})
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = h.do(http.MethodGet, "/api/keys", session.Token, nil)
	if strings.Contains(rr.Body.String(), "sk-abcdefghijkl") {
		t.Fatalf("key listing leaks plaintext: %s", rr.Body.String())
	}
	rr = h.do(http.MethodDelete, "/api/keys/openai", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = h.do(http.MethodPut, "/api/keys/bad%21", session.Token, map[string]string{"key": "x"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad provider status = %d, want 422", rr.Code)
	}
}

func TestSearchEndpointValidates(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")

	rr := h.do(http.MethodGet, "/api/search", session.Token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty q status = %d, want 422", rr.Code)
	}
	rr = h.do(http.MethodGet, "/api/search?q=x&type=user", session.Token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad type status = %d, want 422", rr.Code)
	}
	rr = h.do(http.MethodGet, "/api/search?q=trip&limit=500", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d", rr.Code)
	}
	if got := h.svc.search.(*fakeSearch).lastQ.Limit; got != 20 {
		t.Fatalf("limit = %d, want clamped to 20", got)
	}
}

func TestFilesUnavailableWithoutObjectStore(t *testing.T) {
	h := newAPIHarness(t)
	session := h.login("Ada")

	rr := h.do(http.MethodGet, "/api/files/"+uuid.NewString(), session.Token, nil)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "FILES_UNAVAILABLE" {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}
