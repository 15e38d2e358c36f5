package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/collector"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReader struct {
	reading *inverter.Reading
	err     error
}

func (s *stubReader) Read() (*inverter.Reading, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := *s.reading
	return &r, nil
}

type stubRaw struct {
	regs []uint16
	err  error
}

func (s *stubRaw) RawBlock() ([]uint16, error) {
	return s.regs, s.err
}

func newTestServer(t *testing.T, reader collector.Reader, raw RawReader) (*Server, *collector.Collector) {
	t.Helper()
	trk := tracker.New(t.TempDir(), time.UTC, 5*time.Minute)
	coll := collector.NewCollector(collector.CollectorConfig{
		Reader:   reader,
		Tracker:  trk,
		Interval: 5 * time.Minute,
	})
	srv := NewServer(ServerConfig{Port: 0, Collector: coll, RawReader: raw})
	return srv, coll
}

func daytimeReading() *inverter.Reading {
	return &inverter.Reading{
		Timestamp:        time.Now(),
		PowerW:           950,
		VoltageV:         229.7,
		VoltageValid:     true,
		GridFrequencyHz:  50.01,
		TemperatureC:     38.2,
		LifetimeEnergyWh: 654321,
		StatusText:       "ON",
		StatusClass:      "ok",
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusBeforeFirstPoll(t *testing.T) {
	srv, _ := newTestServer(t, &stubReader{reading: daytimeReading()}, nil)

	w := get(t, srv, "/status")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusAfterPoll(t *testing.T) {
	srv, coll := newTestServer(t, &stubReader{reading: daytimeReading()}, nil)
	coll.Collect(context.Background())

	w := get(t, srv, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(950), body["power_w"])
	assert.Equal(t, true, body["inverter_connected"])
	assert.Equal(t, collector.DQLive, body["dq_text"])
	assert.Equal(t, float64(0), body["energy_today_wh"])
	assert.Equal(t, "ON", body["status_text"])
}

func TestDataReturnsChartRecords(t *testing.T) {
	srv, coll := newTestServer(t, &stubReader{reading: daytimeReading()}, nil)
	coll.Collect(context.Background())

	w := get(t, srv, "/data")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Records []tracker.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, 950, body.Records[0].PowerW)
}

func TestDataBeforeFirstPoll(t *testing.T) {
	srv, _ := newTestServer(t, &stubReader{reading: daytimeReading()}, nil)

	w := get(t, srv, "/data")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "records")
}

func TestDashboardPage(t *testing.T) {
	srv, coll := newTestServer(t, &stubReader{reading: daytimeReading()}, nil)
	coll.Collect(context.Background())

	w := get(t, srv, "/")
	require.Equal(t, http.StatusOK, w.Code)

	html := w.Body.String()
	assert.Contains(t, html, "VSN300")
	assert.Contains(t, html, "950 W")
	assert.Contains(t, html, "229.7 V")
	assert.Contains(t, html, "ON")
}

func TestDashboardPageOffline(t *testing.T) {
	reader := &stubReader{err: errors.New("connection refused")}
	srv, coll := newTestServer(t, reader, nil)
	coll.Collect(context.Background())

	w := get(t, srv, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Offline")
}

func TestRawDiagnostics(t *testing.T) {
	raw := &stubRaw{regs: []uint16{2305, 0, 0, 0, 1850}}
	srv, _ := newTestServer(t, &stubReader{reading: daytimeReading()}, raw)

	w := get(t, srv, "/raw")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Registers []uint16 `json:"registers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, raw.regs, body.Registers)
}

func TestRawDiagnosticsUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, &stubReader{reading: daytimeReading()}, nil)

	w := get(t, srv, "/raw")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRawDiagnosticsError(t *testing.T) {
	raw := &stubRaw{err: errors.New("inverter unreachable")}
	srv, _ := newTestServer(t, &stubReader{reading: daytimeReading()}, raw)

	w := get(t, srv, "/raw")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "unreachable"))
}

func TestHealth(t *testing.T) {
	srv, coll := newTestServer(t, &stubReader{reading: daytimeReading()}, nil)
	coll.Collect(context.Background())

	w := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["inverter_online"])
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0h 0m", formatUptime(0))
	assert.Equal(t, "1h 5m", formatUptime(65.4))
	assert.Equal(t, "24h 0m", formatUptime(1440))
}
