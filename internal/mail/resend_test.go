package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResendClientWithoutKey(t *testing.T) {
	assert.Nil(t, NewResendClient("", ResendOptions{}))
}

func TestSendThreadsReplies(t *testing.T) {
	var got resendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"msg_123"}`))
	}))
	defer srv.Close()

	c := NewResendClient("re_test", ResendOptions{BaseURL: srv.URL, From: "Agent <agent@x.test>", ReplyTo: "ops@x.test"})
	id, err := c.Send(context.Background(), Message{To: "a@b.test", Subject: "Re: hi", HTML: "<p>hi</p>", InReplyTo: "<orig@mail>"})
	require.NoError(t, err)
	assert.Equal(t, "msg_123", id)
	assert.Equal(t, []string{"a@b.test"}, got.To)
	assert.Equal(t, "Agent <agent@x.test>", got.From)
	assert.Equal(t, "ops@x.test", got.ReplyTo)
	assert.Equal(t, "<orig@mail>", got.Headers["In-Reply-To"])
	assert.Equal(t, "<orig@mail>", got.Headers["References"])
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"msg_2"}`))
	}))
	defer srv.Close()

	c := NewResendClient("re_test", ResendOptions{BaseURL: srv.URL})
	id, err := c.Send(context.Background(), Message{To: "a@b.test", Subject: "hello", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "msg_2", id)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSendDoesNotRetryRejections(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer srv.Close()

	c := NewResendClient("re_test", ResendOptions{BaseURL: srv.URL})
	_, err := c.Send(context.Background(), Message{To: "a@b.test", Subject: "hello", Text: "hi"})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendValidatesMessage(t *testing.T) {
	c := NewResendClient("re_test", ResendOptions{BaseURL: "http://127.0.0.1:0"})
	_, err := c.Send(context.Background(), Message{Subject: "x", Text: "y"})
	assert.ErrorIs(t, err, ErrNoRecipient)
	_, err = c.Send(context.Background(), Message{To: "a@b.test", Subject: "x"})
	assert.Error(t, err)
}
