package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() record.CallRecord {
	return record.Build("openai.chat.completions.create",
		record.Call{Kwargs: map[string]any{"model": "gpt-4o-mini"}},
		record.Outcome{Response: map[string]any{"id": "chatcmpl-1"}, RequestID: "chatcmpl-1"},
		120*time.Millisecond)
}

func newTestWarehouse(t *testing.T, url string) *WarehouseAdapter {
	t.Helper()
	a, err := NewWarehouseAdapter(WarehouseConfig{
		BaseURL:         url + "/",
		APIKey:          "secret",
		MaxElapsed:      2 * time.Second,
		InitialInterval: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestWarehouseAdapter_Send(t *testing.T) {
	rec := sampleRecord()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/llm-logs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, rec.CallID, r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"queued","task_id":"t-1","status":"pending","status_url":"/tasks/t-1"}`))
	}))
	defer srv.Close()

	a := newTestWarehouse(t, srv.URL)
	assert.Equal(t, srv.URL+"/llm-logs", a.Endpoint())
	require.NoError(t, a.Send(context.Background(), rec))
	assert.Equal(t, "openai.chat.completions.create", got["sdk_method"])
	assert.Equal(t, "chatcmpl-1", got["request_id"])
}

func TestWarehouseAdapter_ClientErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad record", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestWarehouse(t, srv.URL).Send(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "bad record")
}

func TestWarehouseAdapter_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestWarehouse(t, srv.URL).Send(context.Background(), sampleRecord())
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrorTypeAuth, de.Type)
}

func TestWarehouseAdapter_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch attempts.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	require.NoError(t, newTestWarehouse(t, srv.URL).Send(context.Background(), sampleRecord()))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWarehouseAdapter_GivesUpAfterMaxElapsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, err := NewWarehouseAdapter(WarehouseConfig{
		BaseURL:         srv.URL,
		APIKey:          "secret",
		MaxElapsed:      50 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	err = a.Send(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.True(t, IsRetryable(err))
}

func TestWarehouseAdapter_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestWarehouse(t, srv.URL).Send(ctx, sampleRecord())
	assert.Error(t, err)
}

func TestNewWarehouseAdapter_RequiresCredentials(t *testing.T) {
	_, err := NewWarehouseAdapter(WarehouseConfig{BaseURL: "https://warehouse.example"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewWarehouseAdapter(WarehouseConfig{APIKey: "k"}, zerolog.Nop())
	assert.Error(t, err)
}
