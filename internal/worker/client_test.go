package worker

import (
	"context"
	"encoding/json"
	"extrato-queue/internal/models"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "bad agent token"})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", "secret", ts.Client())
}

func TestClient_Next(t *testing.T) {
	client := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/extrato/agent/next", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.JobView{ID: 12, Status: models.StatusRunning, Period: "FEVEREIRO 2026"})
	})

	job, err := client.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(12), job.ID)
	assert.Equal(t, "FEVEREIRO 2026", job.Period)
}

func TestClient_NextIdle(t *testing.T) {
	client := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	job, err := client.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClient_Complete(t *testing.T) {
	client := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/extrato/agent/4/complete", r.URL.Path)

		file, header, err := r.FormFile("pdf")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "extrato_4.pdf", header.Filename)
		assert.Equal(t, "application/pdf", header.Header.Get("Content-Type"))
		assert.Equal(t, "%PDF-1.4", string(body))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Complete(context.Background(), 4, "extrato_4.pdf", []byte("%PDF-1.4")))
}

func TestClient_Fail(t *testing.T) {
	client := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extrato/agent/4/fail", r.URL.Path)
		assert.Equal(t, "sessão expirada & retry", r.FormValue("message"))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Fail(context.Background(), 4, "sessão expirada & retry"))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, models.ErrInvalidInput},
		{http.StatusForbidden, models.ErrForbidden},
		{http.StatusNotFound, models.ErrNotFound},
		{http.StatusConflict, models.ErrConflict},
		{http.StatusTooManyRequests, models.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"detail": "nope"})
			})
			err := client.Fail(context.Background(), 1, "x")
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestClient_UnexpectedStatus(t *testing.T) {
	client := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := client.Next(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)
	assert.True(t, retryable(err))
}

func TestClient_BadToken(t *testing.T) {
	client := newAgentServer(t, nil)
	client.token = "wrong"

	_, err := client.Next(context.Background())
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.False(t, retryable(err))
}
