package config_test

import (
	"testing"
	"time"

	"relaykit/internal/config"
	"relaykit/internal/snowflake"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.BatchMaxSize != 64 || cfg.BatchTimeout != 100*time.Millisecond || cfg.BatchMaxQueue != 1024 {
		t.Errorf("batch defaults = %d/%v/%d", cfg.BatchMaxSize, cfg.BatchTimeout, cfg.BatchMaxQueue)
	}
	if cfg.OutboxScanInterval != time.Second || !cfg.OutboxCompleteBatchOnShutdown {
		t.Errorf("outbox defaults = %v/%v", cfg.OutboxScanInterval, cfg.OutboxCompleteBatchOnShutdown)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.WorkerID != -1 || !cfg.AutoDetectWorkerID {
		t.Errorf("worker id defaults = %d/%v", cfg.WorkerID, cfg.AutoDetectWorkerID)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BATCH_MAX_SIZE", "128")
	t.Setenv("OUTBOX_SCAN_INTERVAL", "250ms")
	t.Setenv("ENABLE_AUTO_RECOVERY", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchMaxSize != 128 {
		t.Errorf("BatchMaxSize = %d", cfg.BatchMaxSize)
	}
	if cfg.OutboxScanInterval != 250*time.Millisecond {
		t.Errorf("OutboxScanInterval = %v", cfg.OutboxScanInterval)
	}
	if cfg.EnableAutoRecovery {
		t.Error("EnableAutoRecovery not overridden")
	}
}

func TestLayoutSelection(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		want   snowflake.Layout
		errors bool
	}{
		{"default", "default", snowflake.LayoutDefault, false},
		{"high throughput", "high-throughput", snowflake.LayoutHighThroughput, false},
		{"single node", "single-node", snowflake.LayoutSingleNode, false},
		{"unknown", "wat", snowflake.Layout{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ID_LAYOUT", tt.env)
			cfg, err := config.Load()
			if err != nil {
				t.Fatal(err)
			}
			layout, err := cfg.Layout()
			if tt.errors {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if layout != tt.want {
				t.Errorf("layout = %+v, want %+v", layout, tt.want)
			}
		})
	}
}

func TestLayoutCustomEpoch(t *testing.T) {
	t.Setenv("ID_CUSTOM_EPOCH_MILLIS", "1700000000000")
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatal(err)
	}
	if layout.EpochMillis != 1700000000000 {
		t.Errorf("epoch = %d", layout.EpochMillis)
	}
}

func TestResolveWorkerIDPrecedence(t *testing.T) {
	cfg := &config.Config{WorkerID: 42}
	got, err := cfg.ResolveWorkerID(snowflake.LayoutDefault)
	if err != nil || got != 42 {
		t.Errorf("explicit worker id = %d, %v", got, err)
	}

	t.Setenv("WORKER_ID", "9")
	cfg = &config.Config{WorkerID: -1, AutoDetectWorkerID: true}
	got, err = cfg.ResolveWorkerID(snowflake.LayoutDefault)
	if err != nil || got != 9 {
		t.Errorf("detected worker id = %d, %v", got, err)
	}

	cfg = &config.Config{WorkerID: -1, AutoDetectWorkerID: false}
	got, err = cfg.ResolveWorkerID(snowflake.LayoutDefault)
	if err != nil || got != 0 {
		t.Errorf("disabled detection worker id = %d, %v", got, err)
	}
}

// An explicit id beyond the layout's worker space must fail loudly instead of
// being wrapped into someone else's worker id.
func TestResolveWorkerIDRejectsOutOfRange(t *testing.T) {
	cfg := &config.Config{WorkerID: 5000} // default layout allows 0..1023
	if _, err := cfg.ResolveWorkerID(snowflake.LayoutDefault); err == nil {
		t.Fatal("out-of-range worker id accepted")
	}

	// The boundary id itself is valid.
	cfg = &config.Config{WorkerID: snowflake.LayoutDefault.MaxWorkerID()}
	got, err := cfg.ResolveWorkerID(snowflake.LayoutDefault)
	if err != nil || got != snowflake.LayoutDefault.MaxWorkerID() {
		t.Errorf("boundary worker id = %d, %v", got, err)
	}

	// A wider layout accepts what the default rejects.
	cfg = &config.Config{WorkerID: 5000}
	got, err = cfg.ResolveWorkerID(snowflake.LayoutManyWorkers)
	if err != nil || got != 5000 {
		t.Errorf("many-workers layout worker id = %d, %v", got, err)
	}
}
