package forecast

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pseTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rce-pln", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("$filter"), "business_date eq '2025-03-10'")

		// two hours of 15-minute periods, PLN/MWh
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[
			{"dtime":"2025-03-10 00:15:00","rce_pln":400.0,"business_date":"2025-03-10"},
			{"dtime":"2025-03-10 00:30:00","rce_pln":410.0,"business_date":"2025-03-10"},
			{"dtime":"2025-03-10 00:45:00","rce_pln":390.0,"business_date":"2025-03-10"},
			{"dtime":"2025-03-10 01:00:00","rce_pln":400.0,"business_date":"2025-03-10"},
			{"dtime":"2025-03-10 01:15:00","rce_pln":500.0,"business_date":"2025-03-10"},
			{"dtime":"2025-03-10 01:30:00","rce_pln":500.0,"business_date":"2025-03-10"},
			{"dtime":"2025-03-10 01:45:00","rce_pln":500.0,"business_date":"2025-03-10"},
			{"dtime":"2025-03-10 02:00:00","rce_pln":500.0,"business_date":"2025-03-10"}
		]}`)
	}))
}

func TestPSEGetDayAheadPrices(t *testing.T) {
	srv := pseTestServer(t)
	defer srv.Close()

	p := &PSE{}
	p.init(srv.URL)
	require.NoError(t, p.Validate())

	date := time.Date(2025, 3, 10, 12, 0, 0, 0, plLocation)
	prices, err := p.GetDayAheadPrices(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, prices, 2)

	// hourly average of the 15-minute periods, converted to PLN/kWh
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, plLocation), prices[0].TSStart)
	assert.InDelta(t, 0.400, prices[0].MarketPrice, 1e-9)
	assert.Equal(t, time.Date(2025, 3, 10, 1, 0, 0, 0, plLocation), prices[1].TSStart)
	assert.InDelta(t, 0.500, prices[1].MarketPrice, 1e-9)
}

func TestPSEGetCurrentPrice(t *testing.T) {
	srv := pseTestServer(t)
	defer srv.Close()

	p := &PSE{}
	p.init(srv.URL)

	now := time.Date(2025, 3, 10, 1, 40, 0, 0, plLocation)
	sample, err := p.GetCurrentPrice(context.Background(), now)
	require.NoError(t, err)
	assert.InDelta(t, 0.500, sample.MarketPrice, 1e-9)

	_, err = p.GetCurrentPrice(context.Background(), now.Add(12*time.Hour))
	assert.Error(t, err)
}

func TestPSECaching(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"value":[{"dtime":"2025-03-10 01:00:00","rce_pln":400.0,"business_date":"2025-03-10"}]}`)
	}))
	defer srv.Close()

	p := &PSE{}
	p.init(srv.URL)

	date := time.Date(2025, 3, 10, 0, 0, 0, 0, plLocation)
	_, err := p.GetDayAheadPrices(context.Background(), date)
	require.NoError(t, err)
	_, err = p.GetDayAheadPrices(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPSEValidate(t *testing.T) {
	p := &PSE{}
	assert.Error(t, p.Validate())
	p.init("https://api.raporty.pse.pl/api")
	assert.NoError(t, p.Validate())
}
