package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/store"
)

func TestThreadGroups(t *testing.T) {
	t.Parallel()
	reply := func(ref, thread, ts string) model.Signal {
		return model.Signal{ID: ref, Source: model.SourceChat, SourceRef: ref,
			Metadata: map[string]any{model.MetaThreadID: thread, model.MetaTimestamp: ts}}
	}
	sigs := []model.Signal{
		reply("1700000000.0300", "1700000000.0100", "1700000000.0300"),
		{ID: "solo", Source: model.SourceChat, SourceRef: "solo"},
		reply("1700000000.0200", "1700000000.0100", "1700000000.0200"),
		reply("1700000000.0100", "1700000000.0100", "1700000000.0100"),
		{ID: "f1", Source: model.SourceForum, SourceRef: "1700000000.0100"},
	}

	groups := threadGroups(sigs)
	require.Len(t, groups, 3)

	var refs []string
	for _, s := range groups[0] {
		refs = append(refs, s.SourceRef)
	}
	assert.Equal(t, []string{"1700000000.0100", "1700000000.0200", "1700000000.0300"}, refs)
	assert.Equal(t, "solo", groups[1][0].ID)
	assert.Equal(t, "f1", groups[2][0].ID)
}

func TestSignalTime(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		ts   string
		want time.Time
	}{
		{"2026-03-04T05:06:07Z", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		{"2026-03-04 05:06:07", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		{"2026-03-04", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"03/04/2026", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"3/4/2026", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"03/04/2026 05:06:07", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		{"03/04/2026 17:06", time.Date(2026, 3, 4, 17, 6, 0, 0, time.UTC)},
		{"03/04/2026 5:06 PM", time.Date(2026, 3, 4, 17, 6, 0, 0, time.UTC)},
		{"1700000000", time.Unix(1700000000, 0).UTC()},
		{"yesterday", created},
		{"", created},
	}
	for _, tt := range tests {
		t.Run(tt.ts, func(t *testing.T) {
			sig := model.Signal{CreatedAt: created, Metadata: map[string]any{model.MetaTimestamp: tt.ts}}
			assert.True(t, tt.want.Equal(signalTime(sig)), "got %s", signalTime(sig))
		})
	}
}

func TestThreadGroups_ForumDatesOrderReplies(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	forum := func(id, ref, date string) model.Signal {
		return model.Signal{
			ID: id, Source: model.SourceForum, SourceRef: ref, CreatedAt: created,
			Metadata: map[string]any{model.MetaThreadID: "t1", model.MetaTimestamp: date},
		}
	}
	groups := threadGroups([]model.Signal{
		forum("late", "t1.2", "03/10/2026"),
		forum("early", "t1.1", "03/02/2026"),
		forum("root", "t1", "03/01/2026"),
	})
	require.Len(t, groups, 1)
	var ids []string
	for _, s := range groups[0] {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"root", "early", "late"}, ids)
}

func TestProcessBatch_RootsResolveBeforeReplies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Replies are listed before their roots and the roots are slow.
	var sigs []model.Signal
	for _, ref := range []string{"a.2", "b.2", "a.3"} {
		sigs = append(sigs, *seedSignal(t, st, ref, ref[:1], "me too"))
	}
	sigs = append(sigs, *seedSignal(t, st, "a", "a", "Acme Widgets export broken"))
	sigs = append(sigs, *seedSignal(t, st, "b", "", "UPS.com label printing fails"))

	ex := newStubExtractor().
		on("a", []string{"Acme Widgets"}, nil).
		on("b", []string{"UPS.com"}, nil)
	ex.delay["a"] = 30 * time.Millisecond
	ex.delay["b"] = 30 * time.Millisecond

	report, err := newTestPipeline(st, ex).ProcessBatch(ctx, sigs)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Resolved)
	assert.Zero(t, report.Failed)

	byRef := map[string]Result{}
	for _, r := range report.Results {
		byRef[r.SourceRef] = r
	}
	assert.Equal(t, []string{"Acme Widgets"}, byRef["a.2"].Customers)
	assert.Equal(t, []string{"Acme Widgets"}, byRef["a.3"].Customers)
	assert.Equal(t, []string{"UPS"}, byRef["b.2"].Customers)

	order := ex.callOrder()
	assert.Less(t, indexOf(order, "a"), indexOf(order, "a.2"))
	assert.Less(t, indexOf(order, "a.2"), indexOf(order, "a.3"))
	assert.Less(t, indexOf(order, "b"), indexOf(order, "b.2"))
}

func TestProcessBatch_FailuresAreReportedNotReturned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ok := seedSignal(t, st, "ok", "", "Acme Widgets")
	orphan := seedSignal(t, st, "x.2", "x", "me too")

	report, err := newTestPipeline(st, newStubExtractor().on("ok", []string{"Acme Widgets"}, nil)).
		ProcessBatch(ctx, []model.Signal{*ok, *orphan})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, report.Failed)

	entries := dueDLQ(t, st)
	require.Len(t, entries, 1)
	assert.Equal(t, orphan.ID, entries[0].SignalID)
}

func TestProcessBatch_CanceledContext(t *testing.T) {
	st := newTestStore(t)
	sig := seedSignal(t, st, "m1", "", "Acme Widgets")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPipeline(st, newStubExtractor()).ProcessBatch(ctx, []model.Signal{*sig})
	require.Error(t, err)
}

func TestProcessPending_SkipsResolved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	done := seedSignal(t, st, "done", "", "Acme Widgets")
	seedSignal(t, st, "todo", "", "UPS.com")

	ex := newStubExtractor()
	p := newTestPipeline(st, ex)
	_, err := p.Process(ctx, done)
	require.NoError(t, err)

	report, err := p.ProcessPending(ctx, store.SignalFilter{Source: model.SourceChat})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, []string{"done", "todo"}, ex.callOrder())
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
