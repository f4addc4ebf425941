package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/coordinator"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

type statusResponse struct {
	State    coordinator.State `json:"state"`
	Latest   *types.Decision   `json:"latest,omitempty"`
	Version  string            `json:"version"`
	ServerTS time.Time         `json:"serverTS"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		State:    s.coord.State(),
		Latest:   s.coord.LatestDecision(),
		Version:  common.Version,
		ServerTS: time.Now(),
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, version, err := s.storage.GetSettings(ctx)
	// a fresh installation has no settings doc; show the migrated defaults
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		http.Error(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	settings, _, err = types.MigrateSettings(settings, version)
	if err != nil {
		slog.ErrorContext(ctx, "failed to migrate settings", slog.Any("error", err))
		http.Error(w, "failed to migrate settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid settings json", http.StatusBadRequest)
		return
	}
	if err := settings.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.storage.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		slog.ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

// historyRange parses the start/end query parameters, defaulting to the
// last 24 hours.
func historyRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	start := now.Add(-24 * time.Hour)
	end := now

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end must be after start")
	}
	return start, end, nil
}

func (s *Server) handleHistoryDecisions(w http.ResponseWriter, r *http.Request) {
	start, end, err := historyRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	decisions, err := s.storage.GetDecisionHistory(r.Context(), start, end)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to get decision history", slog.Any("error", err))
		http.Error(w, "failed to get decision history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, decisions)
}

func (s *Server) handleHistoryScores(w http.ResponseWriter, r *http.Request) {
	start, end, err := historyRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.storage.GetScoreHistory(r.Context(), start, end)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to get score history", slog.Any("error", err))
		http.Error(w, "failed to get score history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleHistoryPrices(w http.ResponseWriter, r *http.Request) {
	start, end, err := historyRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prices, err := s.storage.GetPriceHistory(r.Context(), start, end)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to get price history", slog.Any("error", err))
		http.Error(w, "failed to get price history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, prices)
}

func (s *Server) handleHistoryTelemetry(w http.ResponseWriter, r *http.Request) {
	start, end, err := historyRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	states, err := s.storage.GetTelemetry(r.Context(), start, end)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to get telemetry", slog.Any("error", err))
		http.Error(w, "failed to get telemetry", http.StatusInternalServerError)
		return
	}
	writeJSON(w, states)
}

// handleEvaluate triggers an evaluation cycle outside the regular tick,
// e.g. after a settings change.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.coord.RunCycle(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "manual cycle failed", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, d)
}

func (s *Server) handleResetEmergency(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ResetEmergencyStop(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"state": string(s.coord.State())})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}
