package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"reportpulse/internal/model"
	logx "reportpulse/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("Open accepted an unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("Open(file) without a path succeeded")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state", "reportpulse.db")
			ctx := context.Background()

			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			observed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			for i, status := range []model.JobStatus{model.StatusCompleted, model.StatusFailed} {
				o := Outcome{
					ReportID:   model.JobID([]string{"41", "42"}[i]),
					Status:     status,
					Message:    "done",
					Percent:    100,
					ObservedAt: observed,
					EventID:    "e1",
				}
				if err := st.AppendOutcome(ctx, o); err != nil {
					t.Fatalf("AppendOutcome: %v", err)
				}
			}

			got, err := st.RecentOutcomes(ctx, 1)
			if err != nil {
				t.Fatalf("RecentOutcomes: %v", err)
			}
			if len(got) != 1 || got[0].ReportID != "42" || got[0].Status != model.StatusFailed || !got[0].ObservedAt.Equal(observed) {
				t.Fatalf("RecentOutcomes(1) = %+v", got)
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "42:completed", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopen: outcomes and dedup deadlines survive.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()

			all, err := st.RecentOutcomes(ctx, 0)
			if err != nil || len(all) != 2 || all[0].ReportID != "42" || all[1].ReportID != "41" {
				t.Fatalf("RecentOutcomes after reopen = %+v, %v", all, err)
			}
			gotUntil, ok, err := st.GetDedup(ctx, "42:completed")
			if err != nil || !ok || !gotUntil.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v; want %v", gotUntil, ok, err, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatal("GetDedup found a missing key")
			}
		})
	}
}
