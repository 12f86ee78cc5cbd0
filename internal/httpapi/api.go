// Package httpapi exposes the REST surface of the chat server. Every write
// route funnels through the same delivery coordinator as the realtime
// events, so a message sent over HTTP triggers the identical auto-delivery
// and notification flow as one sent over a WebSocket.
//
// Authentication is owned by an upstream layer; routes trust the caller
// identity in the X-User-Id header.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/charla/chat-server/internal/delivery"
	"github.com/charla/chat-server/internal/ledger"
	"github.com/charla/chat-server/internal/message"
)

// API holds the dependencies of the REST handlers.
type API struct {
	coord    *delivery.Coordinator
	msgs     *message.Store
	receipts *ledger.Store
}

// New creates the REST API.
func New(coord *delivery.Coordinator, msgs *message.Store, receipts *ledger.Store) *API {
	return &API{coord: coord, msgs: msgs, receipts: receipts}
}

// Register mounts all routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/messages", a.handleSend)
	mux.HandleFunc("GET /api/messages/unread/count", a.handleUnreadCount)
	mux.HandleFunc("GET /api/messages/{chatId}", a.handleHistory)
	mux.HandleFunc("PATCH /api/messages/{id}/read", a.handleMarkRead)
	mux.HandleFunc("PATCH /api/messages/chat/{chatId}/read-all", a.handleMarkAllRead)
	mux.HandleFunc("DELETE /api/messages/{id}", a.handleDelete)
}

// identity extracts the caller's user ID from the X-User-Id header and
// resolves their display name, preferring the optional X-User-Name header
// over a database lookup.
func (a *API) identity(r *http.Request) (int64, string, bool) {
	uid, err := strconv.ParseInt(r.Header.Get("X-User-Id"), 10, 64)
	if err != nil || uid <= 0 {
		return 0, "", false
	}
	name := r.Header.Get("X-User-Name")
	if name == "" {
		if n, err := a.msgs.UserName(r.Context(), uid); err == nil {
			name = n
		}
	}
	return uid, name, true
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := a.identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-User-Id")
		return
	}

	var req struct {
		ChatID       int64  `json:"chatId"`
		Content      string `json:"content"`
		Kind         string `json:"kind"`
		ClientTempID string `json:"clientTempId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}

	res, err := a.coord.SendMessage(r.Context(), uid, req.ChatID, req.Content, req.Kind, req.ClientTempID)
	if err != nil {
		writeCoordError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"messageId":   res.Message.ID,
		"chatId":      res.Message.ChatID,
		"chatType":    res.ChatType,
		"senderId":    res.Message.SenderID,
		"senderName":  res.Message.SenderName,
		"content":     res.Message.Content,
		"kind":        res.Message.Kind,
		"sentAt":      res.Message.SentAt,
		"deliveredTo": res.AutoDelivered,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := a.identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-User-Id")
		return
	}
	chatID, err := strconv.ParseInt(r.PathValue("chatId"), 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid chat id")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	msgs, err := a.msgs.History(r.Context(), chatID, uid, limit, offset)
	if err != nil {
		writeCoordError(w, err)
		return
	}
	if msgs == nil {
		msgs = []message.HistoryMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	uid, name, ok := a.identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-User-Id")
		return
	}
	messageID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || messageID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid message id")
		return
	}

	if err := a.coord.MarkRead(r.Context(), uid, name, messageID); err != nil {
		writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messageId": messageID, "read": true})
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	uid, name, ok := a.identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-User-Id")
		return
	}
	chatID, err := strconv.ParseInt(r.PathValue("chatId"), 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid chat id")
		return
	}

	n, err := a.coord.MarkAllRead(r.Context(), uid, name, chatID)
	if err != nil {
		writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chatId": chatID, "marked": n})
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := a.identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-User-Id")
		return
	}

	counts, err := a.receipts.CountUnreadPerChat(r.Context(), uid)
	if err != nil {
		writeCoordError(w, err)
		return
	}

	total := 0
	perChat := make(map[string]int, len(counts))
	for chatID, n := range counts {
		perChat[strconv.FormatInt(chatID, 10)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total": total, "chats": perChat})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	uid, _, ok := a.identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-User-Id")
		return
	}
	messageID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || messageID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid message id")
		return
	}

	m, err := a.coord.DeleteMessage(r.Context(), uid, messageID)
	if err != nil {
		writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": m.ID,
		"chatId":    m.ChatID,
		"deleted":   true,
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// writeCoordError translates coordinator errors into HTTP responses using
// the same code mapping the realtime path uses.
func writeCoordError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return // client went away
	}
	code := delivery.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "chat_not_found", "message_not_found":
		status = http.StatusNotFound
	case "forbidden":
		status = http.StatusForbidden
	case "invalid_payload":
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Printf("httpapi: %v", err)
	}
	writeError(w, status, code, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
