package pvoutput

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReading() *inverter.Reading {
	return &inverter.Reading{
		Timestamp:        time.Date(2024, 6, 10, 13, 45, 0, 0, time.UTC),
		PowerW:           1850,
		VoltageV:         231.4,
		TemperatureC:     40.26,
		LifetimeEnergyWh: 123456,
	}
}

func TestUploadSendsStatusFields(t *testing.T) {
	var gotForm map[string]string
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		gotHeaders = r.Header.Clone()
		w.Write([]byte("OK 200: Added Status"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		URL:      srv.URL,
		APIKey:   "key123",
		SystemID: "sys456",
	})

	state := tracker.DailyState{DailyEnergyWh: 4321.6}
	err := c.Upload(context.Background(), testReading(), state)
	require.NoError(t, err)

	assert.Equal(t, "20240610", gotForm["d"])
	assert.Equal(t, "13:45", gotForm["t"])
	assert.Equal(t, "4322", gotForm["v1"], "daily energy rounds to whole Wh")
	assert.Equal(t, "1850", gotForm["v2"])
	assert.Equal(t, "40.3", gotForm["v5"])
	assert.Equal(t, "231.4", gotForm["v6"])
	assert.Equal(t, "key123", gotHeaders.Get("X-Pvoutput-Apikey"))
	assert.Equal(t, "sys456", gotHeaders.Get("X-Pvoutput-SystemId"))
}

func TestUploadRejectedByErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// PVOutput reports some failures as a 200 with an ERROR body.
		w.Write([]byte("ERROR 401: Invalid System ID"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL, APIKey: "k", SystemID: "s"})
	err := c.Upload(context.Background(), testReading(), tracker.DailyState{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestUploadRejectedByStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden 403: Exceeded number requests per hour", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL, APIKey: "k", SystemID: "s"})
	err := c.Upload(context.Background(), testReading(), tracker.DailyState{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestUploadNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately, so the request fails to connect

	c := NewClient(ClientConfig{URL: srv.URL, APIKey: "k", SystemID: "s"})
	err := c.Upload(context.Background(), testReading(), tracker.DailyState{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestDryRunSendsNothing(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL, DryRun: true})
	err := c.Upload(context.Background(), testReading(), tracker.DailyState{DailyEnergyWh: 100})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.True(t, c.DryRun())
}

func TestDefaultURL(t *testing.T) {
	c := NewClient(ClientConfig{APIKey: "k", SystemID: "s"})
	assert.Equal(t, DefaultURL, c.url)
}
