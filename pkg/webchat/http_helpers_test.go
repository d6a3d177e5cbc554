package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/engine"
	"github.com/go-go-golems/jiminy/pkg/persistence/chatstore"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

type fakeChatService struct {
	sendResult *engine.SendResult
	sendErr    error
	gotConvID  string
	gotPrompt  string
	cancelled  bool
}

func (f *fakeChatService) SendTurn(_ context.Context, convID, text string) (*engine.SendResult, error) {
	f.gotConvID = convID
	f.gotPrompt = text
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeChatService) CancelActiveGeneration(string) bool {
	return f.cancelled
}

type fakeConvService struct {
	convs      []chat.Conversation
	openConv   chat.Conversation
	openErr    error
	deleteErr  error
	state      engine.GenerationState
	lastErr    string
	bindErr    error
	results    []chatstore.SearchResult
	personas   []chat.Persona
	models     []providers.ModelDescriptor
	gotPersona string
	gotModel   string
}

func (f *fakeConvService) ListConversations(context.Context) ([]chat.Conversation, error) {
	return f.convs, nil
}

func (f *fakeConvService) OpenConversation(_ context.Context, convID string) (chat.Conversation, error) {
	if f.openErr != nil {
		return chat.Conversation{}, f.openErr
	}
	return f.openConv, nil
}

func (f *fakeConvService) DeleteConversation(context.Context, string) error { return f.deleteErr }

func (f *fakeConvService) QueryState(string) engine.GenerationState { return f.state }

func (f *fakeConvService) LastError(string) string { return f.lastErr }

func (f *fakeConvService) BindPersona(_ context.Context, _, personaID string) error {
	f.gotPersona = personaID
	return f.bindErr
}

func (f *fakeConvService) BindModel(_ context.Context, _, provider, model string) error {
	f.gotModel = provider + "/" + model
	return f.bindErr
}

func (f *fakeConvService) SearchMessages(context.Context, string) ([]chatstore.SearchResult, error) {
	return f.results, nil
}

func (f *fakeConvService) ListPersonas(context.Context) ([]chat.Persona, error) {
	return f.personas, nil
}

func (f *fakeConvService) ListModels(context.Context) ([]providers.ModelDescriptor, error) {
	return f.models, nil
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestChatHandlerAcceptsTurn(t *testing.T) {
	svc := &fakeChatService{sendResult: &engine.SendResult{
		ConvID:             "c1",
		Created:            true,
		UserMessageID:      "u1",
		AssistantMessageID: "a1",
		Seq:                3,
	}}
	rec := postJSON(t, NewChatHTTPHandler(svc), `{"conv_id":"c1","prompt":"hello"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "c1", svc.gotConvID)
	require.Equal(t, "hello", svc.gotPrompt)

	var out engine.SendResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "a1", out.AssistantMessageID)
	require.True(t, out.Created)
}

func TestChatHandlerRejectsMissingPrompt(t *testing.T) {
	rec := postJSON(t, NewChatHTTPHandler(&fakeChatService{}), `{"conv_id":"c1","prompt":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandlerRejectsUnknownFields(t *testing.T) {
	rec := postJSON(t, NewChatHTTPHandler(&fakeChatService{}), `{"prompt":"x","bogus":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandlerErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		body string
	}{
		{errors.Wrap(chat.ErrRequest, "unknown provider"), http.StatusBadRequest, "unknown provider"},
		{errors.Wrap(chat.ErrAuth, "bad key"), http.StatusUnauthorized, "bad key"},
		{errors.Wrap(chat.ErrConnection, "refused"), http.StatusBadGateway, "refused"},
		{errors.Wrap(chat.ErrStorage, "disk full"), http.StatusInternalServerError, "storage error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		svc := &fakeChatService{sendErr: tc.err}
		rec := postJSON(t, NewChatHTTPHandler(svc), `{"prompt":"x"}`)
		require.Equal(t, tc.code, rec.Code, "err %v", tc.err)
		require.Contains(t, rec.Body.String(), tc.body)
	}
}

func TestStorageErrorsStayOpaque(t *testing.T) {
	svc := &fakeChatService{sendErr: errors.Wrap(chat.ErrStorage, "table messages corrupt")}
	rec := postJSON(t, NewChatHTTPHandler(svc), `{"prompt":"x"}`)
	require.NotContains(t, rec.Body.String(), "corrupt")
}

func TestCancelHandler(t *testing.T) {
	rec := postJSON(t, NewCancelHTTPHandler(&fakeChatService{cancelled: true}), `{"conv_id":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"cancelled":true}`, rec.Body.String())

	rec = postJSON(t, NewCancelHTTPHandler(&fakeChatService{}), `{"conv_id":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConversationHandler(t *testing.T) {
	svc := &fakeConvService{openConv: chat.Conversation{ID: "c1", Title: "greetings"}}
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/c1", nil)
	req.SetPathValue("id", "c1")
	rec := httptest.NewRecorder()
	NewGetConversationHandler(svc)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var conv chat.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	require.Equal(t, "greetings", conv.Title)
}

func TestGetConversationNotFoundVsStorage(t *testing.T) {
	svc := &fakeConvService{openErr: errors.New("conversation not found: c9")}
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/c9", nil)
	req.SetPathValue("id", "c9")
	rec := httptest.NewRecorder()
	NewGetConversationHandler(svc)(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	svc = &fakeConvService{openErr: errors.Wrap(chat.ErrStorage, "db locked")}
	rec = httptest.NewRecorder()
	NewGetConversationHandler(svc)(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStateHandler(t *testing.T) {
	svc := &fakeConvService{state: engine.StateGenerating, lastErr: "connection refused"}
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/c1/state", nil)
	req.SetPathValue("id", "c1")
	rec := httptest.NewRecorder()
	NewStateHandler(svc)(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"state":"generating","error":"connection refused"}`, rec.Body.String())
}

func TestBindHandlers(t *testing.T) {
	svc := &fakeConvService{}
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/persona",
		strings.NewReader(`{"persona_id":"p7"}`))
	req.SetPathValue("id", "c1")
	rec := httptest.NewRecorder()
	NewBindPersonaHandler(svc)(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "p7", svc.gotPersona)

	req = httptest.NewRequest(http.MethodPost, "/api/conversations/c1/model",
		strings.NewReader(`{"provider":"ollama","model":"llama3.2"}`))
	req.SetPathValue("id", "c1")
	rec = httptest.NewRecorder()
	NewBindModelHandler(svc)(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "ollama/llama3.2", svc.gotModel)
}

func TestBindPersonaRejectsUnknown(t *testing.T) {
	svc := &fakeConvService{bindErr: errors.Wrap(chat.ErrRequest, "unknown persona: p9")}
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/persona",
		strings.NewReader(`{"persona_id":"p9"}`))
	req.SetPathValue("id", "c1")
	rec := httptest.NewRecorder()
	NewBindPersonaHandler(svc)(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchHandlerRequiresQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	rec := httptest.NewRecorder()
	NewSearchHandler(&fakeConvService{})(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	svc := &fakeConvService{results: []chatstore.SearchResult{
		{ConvID: "c1", Message: chat.Message{ID: "m1", Content: "hello there"}},
	}}
	req = httptest.NewRequest(http.MethodGet, "/api/search?q=hello", nil)
	rec = httptest.NewRecorder()
	NewSearchHandler(svc)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []chatstore.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "c1", out[0].ConvID)
}

func TestListHandlers(t *testing.T) {
	svc := &fakeConvService{
		convs:    []chat.Conversation{{ID: "c1"}, {ID: "c2"}},
		personas: []chat.Persona{{ID: "p1", Name: "Pirate"}},
		models:   []providers.ModelDescriptor{{ID: "llama3.2", Provider: "ollama"}},
	}

	rec := httptest.NewRecorder()
	NewListConversationsHandler(svc)(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []chat.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 2)

	rec = httptest.NewRecorder()
	NewListPersonasHandler(svc)(rec, httptest.NewRequest(http.MethodGet, "/api/personas", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Pirate")

	rec = httptest.NewRecorder()
	NewListModelsHandler(svc)(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "llama3.2")
}

func TestDeleteConversationHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/conversations/c1", nil)
	req.SetPathValue("id", "c1")
	rec := httptest.NewRecorder()
	NewDeleteConversationHandler(&fakeConvService{})(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
