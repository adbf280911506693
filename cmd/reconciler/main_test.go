package main

import (
	"strings"
	"testing"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
	"github.com/mohammed-shakir/qna-reconciler/internal/config"
	"github.com/mohammed-shakir/qna-reconciler/internal/jobs/pollcloser"
	"github.com/mohammed-shakir/qna-reconciler/internal/jobs/viewsync"
)

func TestBuildTriggers_BothJobs(t *testing.T) {
	cfg := config.FromEnv()
	ts, err := buildTriggers(cfg, batch.NewLauncher(), nil, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(ts) != 2 {
		t.Fatalf("triggers=%d want 2", len(ts))
	}
	if ts[0].Name != pollcloser.Name || ts[0].Precondition == nil {
		t.Fatalf("poll closer trigger=%+v", ts[0])
	}
	if ts[1].Name != viewsync.Name || ts[1].Precondition != nil {
		t.Fatalf("view sync trigger should launch unconditionally: %+v", ts[1])
	}
}

func TestBuildTriggers_BadSchedule(t *testing.T) {
	cfg := config.FromEnv()
	cfg.ViewSync.Schedule = "every now and then"
	_, err := buildTriggers(cfg, batch.NewLauncher(), nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "view sync") {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildTriggers_NothingEnabled(t *testing.T) {
	cfg := config.FromEnv()
	cfg.PollCloser.Enabled = false
	cfg.ViewSync.Enabled = false
	if _, err := buildTriggers(cfg, batch.NewLauncher(), nil, nil, nil); err == nil {
		t.Fatal("expected error with no jobs enabled")
	}
}
