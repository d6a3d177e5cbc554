package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/chat"
	"github.com/go-go-golems/jiminy/pkg/engine"
	"github.com/go-go-golems/jiminy/pkg/persistence/chatstore"
	"github.com/go-go-golems/jiminy/pkg/providers"
)

// ChatHTTPService is the submission surface used by the chat handlers.
type ChatHTTPService interface {
	SendTurn(ctx context.Context, convID, text string) (*engine.SendResult, error)
	CancelActiveGeneration(convID string) bool
}

// ConversationHTTPService is the read/manage surface used by the
// conversation handlers.
type ConversationHTTPService interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	OpenConversation(ctx context.Context, convID string) (chat.Conversation, error)
	DeleteConversation(ctx context.Context, convID string) error
	QueryState(convID string) engine.GenerationState
	LastError(convID string) string
	BindPersona(ctx context.Context, convID, personaID string) error
	BindModel(ctx context.Context, convID, provider, model string) error
	SearchMessages(ctx context.Context, query string) ([]chatstore.SearchResult, error)
	ListPersonas(ctx context.Context) ([]chat.Persona, error)
	ListModels(ctx context.Context) ([]providers.ModelDescriptor, error)
}

func NewChatHTTPHandler(svc ChatHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in sendRequest
		if err := decodeJSON(req, &in); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(in.Prompt) == "" {
			http.Error(w, "missing prompt", http.StatusBadRequest)
			return
		}
		res, err := svc.SendTurn(req.Context(), in.ConvID, in.Prompt)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

func NewCancelHTTPHandler(svc ChatHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in cancelRequest
		if err := decodeJSON(req, &in); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(in.ConvID) == "" {
			http.Error(w, "missing conv_id", http.StatusBadRequest)
			return
		}
		cancelled := svc.CancelActiveGeneration(in.ConvID)
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	}
}

func NewListConversationsHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		convs, err := svc.ListConversations(req.Context())
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func NewGetConversationHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conv, err := svc.OpenConversation(req.Context(), req.PathValue("id"))
		if err != nil {
			if errors.Is(err, chat.ErrStorage) {
				writeChatError(w, err)
				return
			}
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func NewDeleteConversationHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := svc.DeleteConversation(req.Context(), req.PathValue("id")); err != nil {
			writeChatError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func NewStateHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		convID := req.PathValue("id")
		writeJSON(w, http.StatusOK, map[string]string{
			"state": string(svc.QueryState(convID)),
			"error": svc.LastError(convID),
		})
	}
}

func NewBindPersonaHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in bindPersonaRequest
		if err := decodeJSON(req, &in); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := svc.BindPersona(req.Context(), req.PathValue("id"), in.PersonaID); err != nil {
			writeChatError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func NewBindModelHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in bindModelRequest
		if err := decodeJSON(req, &in); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := svc.BindModel(req.Context(), req.PathValue("id"), in.Provider, in.Model); err != nil {
			writeChatError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func NewSearchHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := strings.TrimSpace(req.URL.Query().Get("q"))
		if q == "" {
			http.Error(w, "missing q", http.StatusBadRequest)
			return
		}
		results, err := svc.SearchMessages(req.Context(), q)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func NewListPersonasHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		personas, err := svc.ListPersonas(req.Context())
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, personas)
	}
}

func NewListModelsHandler(svc ConversationHTTPService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		models, err := svc.ListModels(req.Context())
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, models)
	}
}

func decodeJSON(req *http.Request, v any) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}

// writeChatError maps engine error classes onto HTTP statuses. Unclassified
// errors stay opaque to the client.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, chat.ErrAuth):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, chat.ErrConnection):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, chat.ErrStorage):
		http.Error(w, "storage error", http.StatusInternalServerError)
	default:
		log.Error().Err(err).Str("component", "webchat").Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
