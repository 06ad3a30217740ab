package omnidesk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "wa:+15550100", q.Get("conversation"))
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "desc", q.Get("sort"))

		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"data": []map[string]any{
				{"id": "m2", "direction": "incoming", "status": "read", "timestamp": 2000, "content": "later"},
				{"id": "m1", "direction": "outgoing", "status": "sent", "timestamp": 1000, "content": "earlier"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	msgs, err := client.FetchMessages(context.Background(), FetchOptions{
		Conversation: "wa:+15550100",
		Limit:        2,
		Descending:   true,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ServerID)
	assert.Equal(t, StatusRead, msgs[0].Status)
	assert.Equal(t, "later", msgs[0].Content.Text)
	assert.Equal(t, DirectionOutgoing, msgs[1].Direction)
}

func TestFetchMessagesRequiresConversation(t *testing.T) {
	client := NewClient("tok")
	_, err := client.FetchMessages(context.Background(), FetchOptions{})
	assert.Error(t, err)
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/send", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "wa:+15550100", req["to"])
		assert.Equal(t, "hello", req["content"])
		assert.Equal(t, "c-1", req["client_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"data": map[string]any{
				"message": map[string]any{
					"id": "srv-1", "client_id": "c-1", "direction": "outgoing",
					"status": "sent", "timestamp": 5000, "content": "hello",
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	msg, err := client.SendMessage(context.Background(), SendRequest{
		To:       "wa:+15550100",
		Content:  TextContent("hello"),
		ClientID: "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ServerID)
	assert.Equal(t, "c-1", msg.ClientID)
	assert.Equal(t, StatusSent, msg.Status)
	assert.False(t, msg.Pending)
}

func TestAPIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": "forbidden", "message": "not your conversation"},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.FetchMessages(context.Background(), FetchOptions{Conversation: "c"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "forbidden", apiErr.Code)
}

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/conversations", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("with_unread"))
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"data": []map[string]any{
				{
					"key": "wa:+15550100", "channel": "whatsapp", "status": "open",
					"contact_name": "Ada", "preview": "hello", "unread": 3,
					"last_activity": "2026-03-01T12:00:00Z",
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	convs, err := client.ListConversations(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "wa:+15550100", convs[0].Key)
	assert.Equal(t, ConversationOpen, convs[0].Meta.Status)
	assert.Equal(t, 3, convs[0].Unread)
	assert.False(t, convs[0].LastActivity.IsZero())
}

func TestSyncReadStatus(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPut, r.Method)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	require.NoError(t, client.SyncReadStatus(context.Background(), "wa:+15550100", ts(1)))
	assert.Equal(t, "/api/v1/read-status/wa:+15550100", gotPath)
}
