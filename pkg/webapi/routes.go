package webapi

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/botchat/pkg/chat"
	"github.com/go-go-golems/botchat/pkg/completion"
	"github.com/go-go-golems/botchat/pkg/relay"
	"github.com/go-go-golems/botchat/pkg/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webapi").Msg("failed to encode response")
	}
}

// writeError maps the error taxonomy onto status codes: unknown ids to
// 404, bad input and unresolved credentials to 400, everything else to
// 500.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, relay.ErrEmptyMessage),
		errors.Is(err, completion.ErrNoAPIKey),
		errors.Is(err, completion.ErrBadHeaders),
		errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "invalid id %q", raw)
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "invalid json body: %v", err)
	}
	return nil
}

// --- bots ---

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var b chat.Bot
	if err := decodeJSON(r, &b); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(b.Name) == "" || strings.TrimSpace(b.Model) == "" {
		writeError(w, errors.Wrap(errBadRequest, "bot name and model are required"))
		return
	}
	b.ID = 0
	created, err := s.store.CreateBot(r.Context(), b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.store.GetBot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.store.GetBot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := decodeJSON(r, &b); err != nil {
		writeError(w, err)
		return
	}
	b.ID = id
	updated, err := s.store.UpdateBot(r.Context(), b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteBot(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- chats ---

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	botID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetBot(r.Context(), botID); err != nil {
		writeError(w, err)
		return
	}
	chats, err := s.store.ListChats(r.Context(), botID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	botID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetBot(r.Context(), botID); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	if strings.TrimSpace(body.Title) == "" {
		body.Title = "New Chat"
	}
	created, err := s.store.CreateChat(r.Context(), chat.Chat{BotID: botID, Title: body.Title})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.store.GetChat(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteChat(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- messages ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetChat(r.Context(), chatID); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleSendMessage accepts either a multipart form (content plus up
// to five files) or a plain JSON body with content only. It returns
// 201 with both messages before any generation happens; the assistant
// message content is empty at that point.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var content string
	var files []chat.FileAttachment
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			writeError(w, errors.Wrapf(errBadRequest, "invalid multipart form: %v", err))
			return
		}
		content = r.FormValue("content")
		var fhs []*multipart.FileHeader
		if r.MultipartForm != nil {
			fhs = r.MultipartForm.File["files"]
		}
		files, err = readAttachments(fhs)
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		content = body.Content
	}

	res, err := s.engine.SendMessage(r.Context(), chatID, content, files)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown chat id on the submit path is a client error.
			writeError(w, errors.Wrapf(errBadRequest, "unknown chat %d", chatID))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.engine.EditMessage(r.Context(), id, body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteMessage(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- settings ---

// settingsResponse never carries the raw key back to a client; it is
// replaced by the hasApiKey flag.
type settingsResponse struct {
	HasAPIKey   bool    `json:"hasApiKey"`
	BaseURL     string  `json:"baseUrl"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"topP"`
	Stream      bool    `json:"stream"`
	Headers     string  `json:"headers"`
}

func toSettingsResponse(st chat.Settings) settingsResponse {
	return settingsResponse{
		HasAPIKey:   strings.TrimSpace(st.APIKey) != "",
		BaseURL:     st.BaseURL,
		MaxTokens:   st.MaxTokens,
		Temperature: st.Temperature,
		TopP:        st.TopP,
		Stream:      st.Stream,
		Headers:     st.ExtraHeaders,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(st))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var next chat.Settings
	if err := decodeJSON(r, &next); err != nil {
		writeError(w, err)
		return
	}
	// An empty key in the update keeps the stored one so clients can
	// round-trip the response shape, which never includes the key.
	if strings.TrimSpace(next.APIKey) == "" {
		next.APIKey = current.APIKey
	}
	updated, err := s.store.UpdateSettings(r.Context(), next)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(updated))
}
