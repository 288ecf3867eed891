package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"presence/internal/geofence"
	"presence/internal/identity"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.WindowMinDuration != 30*time.Second || cfg.WindowDefaultDuration != 30*time.Second {
		t.Fatalf("window durations = %v/%v", cfg.WindowMinDuration, cfg.WindowDefaultDuration)
	}
	if cfg.SweepSchedule != "@every 1m" || cfg.StoreBackend != "postgres" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := cfg.Location(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("FACE_SKIP", "true")
	t.Setenv("FACE_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")
	t.Setenv("MATCH_THRESHOLD", "0.95")
	t.Setenv("WINDOW_MIN_DURATION", "not-a-duration")
	t.Setenv("APP_TIMEZONE", "Asia/Kolkata")

	cfg := Load()
	if cfg.HTTPPort != "9000" || !cfg.FaceSkip || cfg.FaceTimeout != 5*time.Second || cfg.RateLimitPerMin != 10 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.MatchThreshold != 0.95 {
		t.Fatalf("threshold = %v", cfg.MatchThreshold)
	}
	if cfg.WindowMinDuration != 30*time.Second {
		t.Fatalf("invalid duration should fall back, got %v", cfg.WindowMinDuration)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Kolkata" {
		t.Fatalf("location = %v, %v", loc, err)
	}
}

func TestCORSOrigins(t *testing.T) {
	if got := Load().CORSOrigins; len(got) != 1 || got[0] != "*" {
		t.Fatalf("default origins = %v", got)
	}
	t.Setenv("CORS_ORIGINS", " https://app.example , ,https://admin.example")
	got := Load().CORSOrigins
	if len(got) != 2 || got[0] != "https://app.example" || got[1] != "https://admin.example" {
		t.Fatalf("origins = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		key     string
		wantErr bool
	}{
		{"dev key in dev", "dev", DevSigningKey, false},
		{"dev key in production", "production", DevSigningKey, true},
		{"dev key in prod", "prod", DevSigningKey, true},
		{"real key in production", "production", "rotated-secret", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := App{Env: tc.env, JWTSigningKey: tc.key}.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDefaultEngine(t *testing.T) {
	eng, err := LoadEngine("", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if eng.Strategy.Name != "dlib_128" || eng.Strategy.Metric != identity.Euclidean || eng.Strategy.Threshold != 0.8 || eng.Strategy.Dimensions != 128 {
		t.Fatalf("strategy = %+v", eng.Strategy)
	}
	if len(eng.Boundary) != 4 {
		t.Fatalf("boundary has %d vertices", len(eng.Boundary))
	}
	if !geofence.Contains(geofence.FromLatLon(25.632935, 85.101305), eng.Boundary) {
		t.Fatal("campus sample point should be inside the default boundary")
	}
}

func TestEngineProfiles(t *testing.T) {
	tests := []struct {
		name      string
		profile   string
		threshold float64
		want      identity.Strategy
		wantErr   bool
	}{
		{"relaxed", "dlib_128_relaxed", 0, identity.Strategy{Name: "dlib_128_relaxed", Metric: identity.Euclidean, Threshold: 0.95, Dimensions: 128}, false},
		{"cosine", "arcface_512", 0, identity.Strategy{Name: "arcface_512", Metric: identity.Cosine, Threshold: 0.6, Dimensions: 512}, false},
		{"override", "dlib_128", 0.5, identity.Strategy{Name: "dlib_128", Metric: identity.Euclidean, Threshold: 0.5, Dimensions: 128}, false},
		{"unknown", "facenet", 0, identity.Strategy{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng, err := LoadEngine("", tc.profile, tc.threshold)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && eng.Strategy != tc.want {
				t.Fatalf("strategy = %+v, want %+v", eng.Strategy, tc.want)
			}
		})
	}
}

func TestEngineFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	raw := `
default_profile: square
boundary: [[0, 0], [0, 1], [1, 1], [1, 0]]
profiles:
  square: {metric: euclidean, threshold: 1.5, dimensions: 0}
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	eng, err := LoadEngine(path, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if eng.Strategy.Threshold != 1.5 || !geofence.Contains(geofence.Point{X: 1, Y: 0.5}, eng.Boundary) {
		t.Fatalf("unexpected engine %+v", eng)
	}

	if _, err := LoadEngine(filepath.Join(t.TempDir(), "missing.yaml"), "", 0); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestEngineValidation(t *testing.T) {
	tests := map[string]string{
		"two vertices":   "default_profile: p\nboundary: [[0, 0], [1, 1]]\nprofiles: {p: {metric: euclidean, threshold: 1}}",
		"bad vertex":     "default_profile: p\nboundary: [[0, 0], [1], [1, 1]]\nprofiles: {p: {metric: euclidean, threshold: 1}}",
		"bad metric":     "default_profile: p\nboundary: [[0, 0], [0, 1], [1, 1]]\nprofiles: {p: {metric: manhattan, threshold: 1}}",
		"zero threshold": "default_profile: p\nboundary: [[0, 0], [0, 1], [1, 1]]\nprofiles: {p: {metric: cosine, threshold: 0}}",
		"not yaml":       "boundary: [",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseEngine([]byte(raw), "", 0); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
