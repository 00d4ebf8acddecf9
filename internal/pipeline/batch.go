package pipeline

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/internal/store"
)

// BatchReport summarizes a batch run.
type BatchReport struct {
	Total    int      `json:"total"`
	Resolved int      `json:"resolved"`
	Failed   int      `json:"failed"`
	Results  []Result `json:"results"`
}

func (r *BatchReport) add(res *Result, err error, sig model.Signal) {
	r.Total++
	if err != nil {
		r.Failed++
		r.Results = append(r.Results, Result{SignalID: sig.ID, SourceRef: sig.SourceRef, Error: err.Error()})
		return
	}
	r.Resolved++
	r.Results = append(r.Results, *res)
}

// ProcessBatch processes signals concurrently. Signals of the same thread
// run sequentially, root first; unrelated threads run in parallel up to
// MaxConcurrency. Failures are dead-lettered and reported, not returned.
func (p *Pipeline) ProcessBatch(ctx context.Context, sigs []model.Signal) (*BatchReport, error) {
	return p.runBatch(ctx, sigs, func(ctx context.Context, sig *model.Signal, stage string, err error) {
		p.deadLetter(ctx, sig, stage, err)
	}, nil)
}

// ProcessPending lists unresolved signals matching filter and processes them.
func (p *Pipeline) ProcessPending(ctx context.Context, filter store.SignalFilter) (*BatchReport, error) {
	filter.Unresolved = true
	sigs, err := p.store.ListSignals(ctx, filter)
	if err != nil {
		return nil, storeErr(err)
	}
	p.log.Info("pipeline: processing pending signals", zap.Int("count", len(sigs)))
	return p.ProcessBatch(ctx, sigs)
}

type failFunc func(ctx context.Context, sig *model.Signal, stage string, err error)
type okFunc func(ctx context.Context, sig *model.Signal)

func (p *Pipeline) runBatch(ctx context.Context, sigs []model.Signal, onFail failFunc, onOK okFunc) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)

	for _, group := range threadGroups(sigs) {
		g.Go(func() error {
			for i := range group {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				sig := &group[i]
				res, stage, err := p.process(gCtx, sig)
				if err != nil && onFail != nil {
					onFail(gCtx, sig, stage, err)
				}
				if err == nil && onOK != nil {
					onOK(gCtx, sig)
				}
				mu.Lock()
				report.add(res, err, *sig)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, resilience.Classify(err)
	}

	p.log.Info("pipeline: batch complete",
		zap.Int("total", report.Total),
		zap.Int("resolved", report.Resolved),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// threadGroups partitions signals by (source, thread). Within a group the
// root comes first and replies follow in timestamp order. Groups keep the
// order in which their first signal appeared.
func threadGroups(sigs []model.Signal) [][]model.Signal {
	type key struct {
		source model.SourceType
		thread string
	}
	idx := map[key]int{}
	var groups [][]model.Signal
	for _, sig := range sigs {
		k := key{source: sig.Source, thread: sig.ThreadID()}
		if k.thread == "" {
			k.thread = sig.SourceRef
		}
		if k.thread == "" {
			k.thread = sig.ID
		}
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], sig)
	}

	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			ri, rj := !g[i].IsReply(), !g[j].IsReply()
			if ri != rj {
				return ri
			}
			return signalTime(g[i]).Before(signalTime(g[j]))
		})
	}
	return groups
}

// timestampLayouts are the source timestamp formats, including the forum
// dump's month/day/year dates.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	time.DateOnly,
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04 PM",
	"1/2/2006",
}

// signalTime orders replies by their source timestamp, falling back to
// CreatedAt when the timestamp is missing or unparseable.
func signalTime(sig model.Signal) time.Time {
	if ts := strings.TrimSpace(model.MetaString(sig.Metadata, model.MetaTimestamp)); ts != "" {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return t
			}
		}
		// Chat timestamps are epoch seconds with a fractional sequence.
		if secs, err := strconv.ParseFloat(ts, 64); err == nil {
			return time.Unix(0, int64(secs*float64(time.Second))).UTC()
		}
	}
	return sig.CreatedAt
}
