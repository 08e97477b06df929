package domain

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("CARDSIM_TEST_PG_PASSWORD", "s3cret")

	yaml := `
tier: pro
server:
  port: 9090
  allowed_origins: ["https://dash.example.com"]
simulation:
  seed: 7
  start_date: "2016-02-01"
  end_date: "2016-02-29"
  global_timezone: US/Pacific
  block_after_frauds: 3
  authenticator:
    type: heuristic
    threshold: 80
repository:
  driver: postgres
  postgres_password: ${CARDSIM_TEST_PG_PASSWORD}
`
	path := filepath.Join(t.TempDir(), "cardsim.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path, DefaultConfig())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Tier != TierPro {
		t.Errorf("expected tier pro, got %s", cfg.Tier)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected port override with default host, got %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://dash.example.com" {
		t.Errorf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Simulation.Seed != 7 || cfg.Simulation.BlockAfterFrauds != 3 {
		t.Errorf("unexpected simulation %+v", cfg.Simulation)
	}
	if cfg.Simulation.Authenticator.Type != AuthHeuristic || cfg.Simulation.Authenticator.Threshold != 80 {
		t.Errorf("unexpected authenticator %+v", cfg.Simulation.Authenticator)
	}
	if cfg.Simulation.Behavior.SeasonalBlend != 1.0 {
		t.Errorf("expected behavior defaults to survive, got %+v", cfg.Simulation.Behavior)
	}
	if cfg.Repository.PostgresPassword != "s3cret" {
		t.Errorf("expected env expansion, got %q", cfg.Repository.PostgresPassword)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), DefaultConfig()); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		os.WriteFile(path, []byte("server: [unclosed"), 0o600)
		if _, err := LoadConfig(path, DefaultConfig()); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

func TestPeriod(t *testing.T) {
	t.Run("DateOnly", func(t *testing.T) {
		s := SimulationConfig{StartDate: "2016-03-01", EndDate: "2016-03-31"}
		start, end, err := s.Period()
		if err != nil {
			t.Fatalf("Period failed: %v", err)
		}
		if !start.Equal(time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected start %v", start)
		}
		if end.Sub(start) != 30*24*time.Hour {
			t.Errorf("unexpected end %v", end)
		}
	})

	t.Run("Timezone", func(t *testing.T) {
		s := SimulationConfig{StartDate: "2016-03-01", EndDate: "2016-03-01", GlobalTimezone: "Europe/Amsterdam"}
		start, _, err := s.Period()
		if err != nil {
			t.Fatalf("Period failed: %v", err)
		}
		if start.Location().String() != "Europe/Amsterdam" || start.Hour() != 0 {
			t.Errorf("expected local midnight, got %v", start)
		}
	})

	t.Run("RFC3339", func(t *testing.T) {
		s := SimulationConfig{StartDate: "2016-03-01T12:00:00Z", EndDate: "2016-03-02"}
		start, _, err := s.Period()
		if err != nil {
			t.Fatalf("Period failed: %v", err)
		}
		if start.Hour() != 12 {
			t.Errorf("expected noon, got %v", start)
		}
	})

	tests := []struct {
		name string
		cfg  SimulationConfig
	}{
		{"EndBeforeStart", SimulationConfig{StartDate: "2016-03-02", EndDate: "2016-03-01"}},
		{"BadStart", SimulationConfig{StartDate: "march", EndDate: "2016-03-01"}},
		{"BadEnd", SimulationConfig{StartDate: "2016-03-01", EndDate: ""}},
		{"BadTimezone", SimulationConfig{StartDate: "2016-03-01", EndDate: "2016-03-01", GlobalTimezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := tt.cfg.Period(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantStop   time.Time
	}{
		{"WholeEndDay", "2016-03-01", "2016-03-01", time.Date(2016, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"EndHourInclusive", "2016-03-01 00:00:00", "2016-03-01 05:00:00", time.Date(2016, 3, 1, 6, 0, 0, 0, time.UTC)},
		{"EndWithinHour", "2016-03-01", "2016-03-01T05:30:00Z", time.Date(2016, 3, 1, 6, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SimulationConfig{StartDate: tt.start, EndDate: tt.end}
			start, stop, err := s.Window()
			if err != nil {
				t.Fatalf("Window failed: %v", err)
			}
			if !start.Equal(time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("unexpected start %v", start)
			}
			if !stop.Equal(tt.wantStop) {
				t.Errorf("expected stop %v, got %v", tt.wantStop, stop)
			}
		})
	}
}

func TestBehaviorValidate(t *testing.T) {
	if err := DefaultSimulationConfig().Behavior.Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*BehaviorConfig)
	}{
		{"BlendAboveOne", func(b *BehaviorConfig) { b.SeasonalBlend = 2 }},
		{"BlendNaN", func(b *BehaviorConfig) { b.SeasonalBlend = math.NaN() }},
		{"ZeroPatience", func(b *BehaviorConfig) { b.PatienceAlpha = 0 }},
		{"InitSatisfaction", func(b *BehaviorConfig) { b.InitSatisfaction = 1.5 }},
		{"NegativeMultiplier", func(b *BehaviorConfig) { b.SatisfactionCancelled = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := DefaultSimulationConfig().Behavior
			tt.mutate(&b)
			if err := b.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunRequestApply(t *testing.T) {
	base := DefaultSimulationConfig()

	t.Run("Empty", func(t *testing.T) {
		var req RunRequest
		cfg, err := req.Apply(base)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if cfg.Seed != base.Seed || cfg.StartDate != base.StartDate || cfg.Authenticator.Type != base.Authenticator.Type {
			t.Errorf("expected defaults, got %+v", cfg)
		}
	})

	t.Run("Overrides", func(t *testing.T) {
		seed := uint64(0)
		req := RunRequest{
			Seed:             &seed,
			StartDate:        "2016-05-01",
			Workers:          4,
			Authenticator:    json.RawMessage(`{"type":"random","probability":0.2}`),
			BlockAfterFrauds: 2,
		}
		cfg, err := req.Apply(base)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if cfg.Seed != 0 {
			t.Errorf("expected explicit zero seed, got %d", cfg.Seed)
		}
		if cfg.StartDate != "2016-05-01" || cfg.EndDate != base.EndDate {
			t.Errorf("unexpected dates %s..%s", cfg.StartDate, cfg.EndDate)
		}
		if cfg.Workers != 4 || cfg.BlockAfterFrauds != 2 {
			t.Errorf("unexpected workers/blocking %+v", cfg)
		}
		if cfg.Authenticator.Type != AuthRandom || cfg.Authenticator.Probability != 0.2 {
			t.Errorf("unexpected authenticator %+v", cfg.Authenticator)
		}
		if cfg.Behavior != base.Behavior {
			t.Error("behavior should be untouched")
		}
	})

	t.Run("PartialOverride", func(t *testing.T) {
		req := RunRequest{
			Authenticator: json.RawMessage(`{"type":"heuristic"}`),
			Behavior:      json.RawMessage(`{"seasonalBlend":0.8}`),
		}
		cfg, err := req.Apply(base)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if cfg.Authenticator.Type != AuthHeuristic || cfg.Authenticator.Threshold != base.Authenticator.Threshold {
			t.Errorf("expected heuristic with default threshold, got %+v", cfg.Authenticator)
		}
		want := base.Behavior
		want.SeasonalBlend = 0.8
		if cfg.Behavior != want {
			t.Errorf("expected blend override on defaults, got %+v", cfg.Behavior)
		}
		if err := cfg.Behavior.Validate(); err != nil {
			t.Errorf("merged behavior should be valid: %v", err)
		}
	})

	t.Run("InvalidOverlay", func(t *testing.T) {
		req := RunRequest{Behavior: json.RawMessage(`{"seasonalBlend":"high"}`)}
		if _, err := req.Apply(base); err == nil {
			t.Error("expected error for mistyped behavior field")
		}
	})

	t.Run("DoesNotMutateBase", func(t *testing.T) {
		req := RunRequest{
			EndDate:       "2016-01-31",
			Authenticator: json.RawMessage(`{"amountBuckets":[1]}`),
		}
		if _, err := req.Apply(base); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if base.EndDate != "2016-12-31" {
			t.Errorf("base was mutated: %s", base.EndDate)
		}
		if len(base.Authenticator.AmountBuckets) != 5 || base.Authenticator.AmountBuckets[0] != 5 {
			t.Errorf("base buckets were mutated: %v", base.Authenticator.AmountBuckets)
		}
	})
}

func TestClass(t *testing.T) {
	if ClassGenuine.String() != "genuine" || ClassFraud.String() != "fraud" {
		t.Errorf("unexpected class names %s %s", ClassGenuine, ClassFraud)
	}

	var p PerClass[int]
	p.Set(ClassFraud, 3)
	if p.For(ClassFraud) != 3 || p.For(ClassGenuine) != 0 {
		t.Errorf("unexpected PerClass %+v", p)
	}

	r := TransactionRecord{Fraud: true}
	if r.Class() != ClassFraud {
		t.Error("fraud record should have fraud class")
	}
}
