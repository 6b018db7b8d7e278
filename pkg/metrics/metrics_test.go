// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}
	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}
	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordOperation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	OperationDuration.Reset()

	RecordOperation(OpIssue, "provider", StatusSuccess, 1.5)
	RecordOperation(OpIssue, "", StatusError, 0.1)

	assert.Equal(t, 1.0, testutil.ToFloat64(OperationsTotal.WithLabelValues(OpIssue, "provider", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(OperationsTotal.WithLabelValues(OpIssue, ModeNone, StatusError)))
	assert.Equal(t, 2, testutil.CollectAndCount(OperationDuration))
}

func TestRecordOperation_Disabled(t *testing.T) {
	OperationsTotal.Reset()
	Disable()
	defer Enable()

	RecordOperation(OpSign, "engine", StatusSuccess, 1)
	RecordError(OpSign, "candidate_exhausted")
	RecordCandidate(OpSign, "engine", true)
	assert.Equal(t, 0, testutil.CollectAndCount(OperationsTotal))
}

func TestRecordCandidateAndProbe(t *testing.T) {
	Enable()
	CandidateAttemptsTotal.Reset()
	BackendProbesTotal.Reset()
	BackendAvailable.Reset()

	RecordCandidate(OpSign, "provider", false)
	RecordCandidate(OpSign, "provider", false)
	RecordCandidate(OpSign, "provider", true)
	assert.Equal(t, 2.0, testutil.ToFloat64(CandidateAttemptsTotal.WithLabelValues(OpSign, "provider", ResultRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(CandidateAttemptsTotal.WithLabelValues(OpSign, "provider", ResultAccepted)))

	RecordProbe("provider", true)
	RecordProbe("engine", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(BackendAvailable.WithLabelValues("provider")))
	assert.Equal(t, 0.0, testutil.ToFloat64(BackendAvailable.WithLabelValues("engine")))
	assert.Equal(t, 1.0, testutil.ToFloat64(BackendProbesTotal.WithLabelValues("engine", StatusError)))
}

func TestCollector_UpdatesRecordGauges(t *testing.T) {
	Enable()
	RecordsTotal.Reset()

	c := NewCollector(context.Background(), time.Minute, func() (map[string]map[string]int, error) {
		return map[string]map[string]int{
			"certificates": {"valid": 3, "revoked": 1},
			"signatures":   {"all": 7},
		}, nil
	})
	c.Collect()
	c.Stop()

	assert.Equal(t, 3.0, testutil.ToFloat64(RecordsTotal.WithLabelValues("certificates", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RecordsTotal.WithLabelValues("certificates", "revoked")))
	assert.Equal(t, 7.0, testutil.ToFloat64(RecordsTotal.WithLabelValues("signatures", "all")))
	assert.Greater(t, testutil.ToFloat64(Goroutines), 0.0)
}

func TestCollector_StatsErrorIsIgnored(t *testing.T) {
	Enable()
	RecordsTotal.Reset()
	c := NewCollector(context.Background(), 0, func() (map[string]map[string]int, error) {
		return nil, errors.New("store unavailable")
	})
	c.Collect()
	assert.Equal(t, 0, testutil.CollectAndCount(RecordsTotal))
	assert.Equal(t, 30*time.Second, c.interval)
}

func TestHTTPMiddleware(t *testing.T) {
	Enable()
	HTTPRequestsTotal.Reset()

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("x"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "418")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ActiveConnections.WithLabelValues(ProtocolHTTP)))
}
