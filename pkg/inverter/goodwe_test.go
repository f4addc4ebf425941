package inverter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func semsTestServer(t *testing.T, monitorHandler http.HandlerFunc) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var controls []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/Common/CrossLogin", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "user@example.com", creds["account"])
		fmt.Fprint(w, `{"code":0,"data":{"token":"tok-123"}}`)
	})
	mux.HandleFunc("/v2/PowerStation/GetMonitorDetailByPowerstationId", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-123", r.Header.Get("Token"))
		monitorHandler(w, r)
	})
	mux.HandleFunc("/v2/PowerStation/SaveOperationMode", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-123", r.Header.Get("Token"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		controls = append(controls, body)
		fmt.Fprint(w, `{"code":0,"data":null}`)
	})
	return httptest.NewServer(mux), &controls
}

func TestGoodWeGetStatus(t *testing.T) {
	srv, _ := semsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{
			"soc":{"power":62.5},
			"battery":{"voltage":405.2,"temperature":28.1,"power":-3200,"capacity":10},
			"pv":{"power":4200},
			"load":{"power":900},
			"grid":{"power":-100}
		}}`)
	})
	defer srv.Close()

	g := newGoodWe(srv.URL, "user@example.com", "secret", "station-1")
	require.NoError(t, g.Validate())

	state, err := g.GetStatus(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 62.5, state.BatterySOC, 1e-9)
	assert.InDelta(t, 405.2, state.BatteryVoltage, 1e-9)
	assert.InDelta(t, 28.1, state.BatteryTempC, 1e-9)
	assert.InDelta(t, -3200, state.BatteryPowerW, 1e-9)
	assert.InDelta(t, 4200, state.PVPowerW, 1e-9)
	assert.InDelta(t, 900, state.ConsumptionPowerW, 1e-9)
	assert.Equal(t, types.GridFlowExporting, state.GridFlow)
	assert.True(t, state.Charging())
}

func TestGoodWeApplyDecision(t *testing.T) {
	srv, controls := semsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{}}`)
	})
	defer srv.Close()

	g := newGoodWe(srv.URL, "user@example.com", "secret", "station-1")

	t.Run("Charge Sets Eco Charge Mode", func(t *testing.T) {
		err := g.ApplyDecision(context.Background(), types.Decision{Action: types.ActionStartGridCharge})
		require.NoError(t, err)
		require.Len(t, *controls, 1)
		assert.EqualValues(t, semsModeEcoCharge, (*controls)[0]["operationMode"])
	})

	t.Run("Sell Sets Eco Discharge Mode", func(t *testing.T) {
		err := g.ApplyDecision(context.Background(), types.Decision{Action: types.ActionSell})
		require.NoError(t, err)
		require.Len(t, *controls, 2)
		assert.EqualValues(t, semsModeEcoDischarge, (*controls)[1]["operationMode"])
	})

	t.Run("Wait Is A NoOp", func(t *testing.T) {
		err := g.ApplyDecision(context.Background(), types.Decision{Action: types.ActionWait})
		require.NoError(t, err)
		assert.Len(t, *controls, 2)
	})
}

func TestGoodWeAPIError(t *testing.T) {
	srv, _ := semsTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":100001,"msg":"token expired","data":null}`)
	})
	defer srv.Close()

	g := newGoodWe(srv.URL, "user@example.com", "secret", "station-1")
	_, err := g.GetStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")
	// the cached token is dropped so the next call re-authenticates
	assert.Empty(t, g.token)
}

func TestGoodWeValidate(t *testing.T) {
	assert.Error(t, newGoodWe("http://x", "", "", "s").Validate())
	assert.Error(t, newGoodWe("http://x", "a", "p", "").Validate())
	assert.NoError(t, newGoodWe("http://x", "a", "p", "s").Validate())
}
