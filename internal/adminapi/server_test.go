package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/moldbus/internal/metrics"
)

func TestMetricsEndpointServesRegisteredCollectors(t *testing.T) {
	m := metrics.New()
	m.EventsCommitted.Add(3)

	s := New(m, func() Status { return Status{} })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "moldbus_events_committed_total 3")
}

func TestStatusEndpointServesCurrentSnapshot(t *testing.T) {
	m := metrics.New()
	s := New(m, func() Status { return Status{SessionName: "20260730A1", Active: true, NextSeqNum: 42} })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"instance_id":"","session_name":"20260730A1","active":true,"next_seq_num":42}`, rec.Body.String())
}
