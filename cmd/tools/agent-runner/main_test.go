package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"pipagent/internal/config"
	"pipagent/internal/filestore"
	"pipagent/internal/scheduler"
	"pipagent/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.Backend = config.BackendFile
	cfg.Storage.DataDir = t.TempDir()
	cfg.Agent.Cron = "0 */3 * * *"
	cfg.Agent.MaxTripsPerRun = 3
	cfg.Opportunities.MaxPerUser = 50
	cfg.Weather.BaseURL = "http://127.0.0.1:1"
	return cfg
}

func seedTrips(t *testing.T, dir string) {
	t.Helper()
	fs := filestore.New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	trips := []types.Trip{{
		ID:      "T1",
		EndCity: "Vienna",
		Events:  []types.Event{{Title: "Open-air opera", IsFree: true}, {Title: "Gala", IsFree: false}},
	}}
	if err := fs.SaveUserTrips(context.Background(), "U1", trips); err != nil {
		t.Fatalf("SaveUserTrips: %v", err)
	}
}

func runTick(t *testing.T, cfg *config.Config, opts options) scheduler.RunSummary {
	t.Helper()
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := execute(context.Background(), cfg, opts, logger, &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var summary scheduler.RunSummary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary %q: %v", out.String(), err)
	}
	return summary
}

func TestExecute_AllUsersCreatesThenDeduplicates(t *testing.T) {
	cfg := testConfig(t)
	seedTrips(t, cfg.Storage.DataDir)

	first := runTick(t, cfg, options{AllUsers: true})
	if first.TripsProcessed != 1 || first.Created != 1 || first.Duplicates != 0 {
		t.Errorf("first run = %+v, want 1 trip processed and 1 created", first)
	}

	second := runTick(t, cfg, options{AllUsers: true})
	if second.Created != 0 || second.Duplicates != 1 {
		t.Errorf("second run = %+v, want the candidate deduplicated", second)
	}
}

func TestExecute_DryRunPersistsNothing(t *testing.T) {
	cfg := testConfig(t)
	seedTrips(t, cfg.Storage.DataDir)

	summary := runTick(t, cfg, options{AllUsers: true, DryRun: true})
	if summary.Candidates != 1 || summary.Created != 0 {
		t.Errorf("dry run = %+v, want 1 candidate and nothing created", summary)
	}

	fs := filestore.New(cfg.Storage.DataDir, nil)
	list, err := fs.ListNew(context.Background(), "U1", 10)
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("dry run persisted %d opportunities", len(list))
	}
}

func TestExecute_UIDFilter(t *testing.T) {
	cfg := testConfig(t)
	seedTrips(t, cfg.Storage.DataDir)

	summary := runTick(t, cfg, options{UIDs: []string{"someone-else"}})
	if summary.ActiveUsers != 1 || summary.TripsSelected != 0 {
		t.Errorf("run = %+v, want no trips for an unrelated uid", summary)
	}
}

func TestExecute_MigrateNeedsPostgres(t *testing.T) {
	cfg := testConfig(t)
	err := execute(context.Background(), cfg, options{Migrate: true}, slog.New(slog.NewTextHandler(io.Discard, nil)), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "requires the postgres backend") {
		t.Errorf("execute(--migrate) error = %v", err)
	}
}

func TestSplitUIDs(t *testing.T) {
	got := splitUIDs(" U1, ,U2,")
	if len(got) != 2 || got[0] != "U1" || got[1] != "U2" {
		t.Errorf("splitUIDs = %v", got)
	}
	if splitUIDs("") != nil {
		t.Error("splitUIDs(\"\") should be nil")
	}
}
