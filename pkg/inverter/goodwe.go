package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// operating modes understood by the SEMS control endpoint
const (
	semsModeGeneral      = 0 // self-use
	semsModeEcoCharge    = 1 // charge from grid
	semsModeEcoDischarge = 2 // discharge to grid
	semsModeBackup       = 3 // hold charge
)

// GoodWe implements System against the SEMS portal API for a GW10K-ET
// hybrid inverter.
type GoodWe struct {
	apiURL    string
	account   string
	password  string
	stationID string
	client    *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func newGoodWe(apiURL, account, password, stationID string) *GoodWe {
	return &GoodWe{
		apiURL:    apiURL,
		account:   account,
		password:  password,
		stationID: stationID,
		client:    common.HTTPClient(15 * time.Second),
	}
}

// Validate ensures the configuration is valid.
func (g *GoodWe) Validate() error {
	if g.account == "" || g.password == "" {
		return fmt.Errorf("sems-account and sems-password are required")
	}
	if g.stationID == "" {
		return fmt.Errorf("sems-station-id is required")
	}
	return nil
}

type semsEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type semsLoginData struct {
	Token string `json:"token"`
}

type semsMonitorData struct {
	SOC struct {
		Power float64 `json:"power"` // percent
	} `json:"soc"`
	Battery struct {
		Voltage     float64 `json:"voltage"`
		Temperature float64 `json:"temperature"`
		Power       float64 `json:"power"` // W, + discharge
		CapacityKWH float64 `json:"capacity"`
	} `json:"battery"`
	PV struct {
		Power float64 `json:"power"` // W
	} `json:"pv"`
	Load struct {
		Power float64 `json:"power"` // W
	} `json:"load"`
	Grid struct {
		Power float64 `json:"power"` // W, + import
	} `json:"grid"`
}

func (g *GoodWe) authenticate(ctx context.Context) (string, error) {
	g.mu.Lock()
	if g.token != "" && time.Now().Before(g.tokenExpiry) {
		token := g.token
		g.mu.Unlock()
		return token, nil
	}
	g.mu.Unlock()

	body, err := json.Marshal(map[string]string{
		"account": g.account,
		"pwd":     g.password,
	})
	if err != nil {
		return "", err
	}

	var data semsLoginData
	if err := g.post(ctx, "/v2/Common/CrossLogin", "", body, &data); err != nil {
		return "", fmt.Errorf("sems login failed: %w", err)
	}
	if data.Token == "" {
		return "", fmt.Errorf("sems login returned no token")
	}

	g.mu.Lock()
	g.token = data.Token
	g.tokenExpiry = time.Now().Add(30 * time.Minute)
	g.mu.Unlock()

	return data.Token, nil
}

// GetStatus implements System.
func (g *GoodWe) GetStatus(ctx context.Context) (types.SystemState, error) {
	token, err := g.authenticate(ctx)
	if err != nil {
		return types.SystemState{}, err
	}

	body, err := json.Marshal(map[string]string{"powerStationId": g.stationID})
	if err != nil {
		return types.SystemState{}, err
	}

	var data semsMonitorData
	if err := g.post(ctx, "/v2/PowerStation/GetMonitorDetailByPowerstationId", token, body, &data); err != nil {
		return types.SystemState{}, fmt.Errorf("failed to fetch inverter status: %w", err)
	}

	state := types.SystemState{
		Timestamp:          time.Now(),
		BatterySOC:         data.SOC.Power,
		BatteryVoltage:     data.Battery.Voltage,
		BatteryTempC:       data.Battery.Temperature,
		BatteryPowerW:      data.Battery.Power,
		BatteryCapacityKWH: data.Battery.CapacityKWH,
		PVPowerW:           data.PV.Power,
		ConsumptionPowerW:  data.Load.Power,
		GridPowerW:         data.Grid.Power,
		GridFlow:           gridFlow(data.Grid.Power),
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched inverter status",
		slog.Float64("soc", state.BatterySOC),
		slog.Float64("pvW", state.PVPowerW),
		slog.Float64("loadW", state.ConsumptionPowerW),
	)
	return state, nil
}

// ApplyDecision implements System. Actions map onto the inverter's operating
// modes; wait and none leave the inverter untouched.
func (g *GoodWe) ApplyDecision(ctx context.Context, d types.Decision) error {
	mode, ok := actionMode(d.Action)
	if !ok {
		return nil
	}

	token, err := g.authenticate(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"powerStationId": g.stationID,
		"operationMode":  mode,
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"applying inverter operation mode",
		slog.String("action", string(d.Action)),
		slog.Int("mode", mode),
	)
	if err := g.post(ctx, "/v2/PowerStation/SaveOperationMode", token, body, nil); err != nil {
		return fmt.Errorf("failed to apply operation mode: %w", err)
	}
	return nil
}

func actionMode(a types.Action) (int, bool) {
	switch a {
	case types.ActionStartGridCharge:
		return semsModeEcoCharge, true
	case types.ActionStartPVCharge:
		return semsModeBackup, true
	case types.ActionSell:
		return semsModeEcoDischarge, true
	case types.ActionStop:
		return semsModeGeneral, true
	case types.ActionContinue, types.ActionWait, types.ActionNone:
		return 0, false
	}
	return 0, false
}

func gridFlow(powerW float64) types.GridFlowDirection {
	switch {
	case powerW > 50:
		return types.GridFlowImporting
	case powerW < -50:
		return types.GridFlowExporting
	default:
		return types.GridFlowIdle
	}
}

func (g *GoodWe) post(ctx context.Context, path, token string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, "POST", g.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Token", token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sems api returned status: %d", resp.StatusCode)
	}

	var env semsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Code != 0 {
		// an expired token comes back as a non-zero code; drop it so the
		// next call re-authenticates
		g.mu.Lock()
		g.token = ""
		g.mu.Unlock()
		return fmt.Errorf("sems api error %d: %s", env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}
