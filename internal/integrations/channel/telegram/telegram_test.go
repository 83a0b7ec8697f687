package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/integrations/channel"
	"github.com/stretchr/testify/require"
)

func TestSender_Send_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botT0K/sendMessage", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"chat_id":"42","text":"hi"}`, string(b))
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "T0K").Send(context.Background(), messages.NotificationEvent{Recipient: "42"}, "hi", "")
	require.NoError(t, err)
}

func TestSender_Send_ChatNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "t").Send(context.Background(), messages.NotificationEvent{Recipient: "42"}, "hi", "")
	require.Error(t, err)
	require.True(t, channel.IsPermanent(err))
	require.Contains(t, err.Error(), "chat not found")
}

func TestSender_Send_Retryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := New(srv.URL, "t").Send(context.Background(), messages.NotificationEvent{Recipient: "42"}, "hi", "")
	require.Error(t, err)
	require.False(t, channel.IsPermanent(err))
}

func TestSender_Send_EmptyRecipient(t *testing.T) {
	err := New("", "t").Send(context.Background(), messages.NotificationEvent{}, "hi", "")
	require.True(t, channel.IsPermanent(err))
}
