package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/HendryAvila/recall/internal/vectorindex"
)

// Report lists the differences between the store and the two indexes.
// Missing ids are live, indexed records absent from an index; orphans are
// index entries without a live, indexed record.
type Report struct {
	MissingLexical []string `json:"missing_lexical,omitempty"`
	OrphanLexical  []string `json:"orphan_lexical,omitempty"`
	MissingVector  []string `json:"missing_vector,omitempty"`
	OrphanVector   []string `json:"orphan_vector,omitempty"`
	// VectorChecked is false while the active generation is not ready.
	VectorChecked bool `json:"vector_checked"`
	Live          int  `json:"live"`
}

// Consistent reports whether no differences were found.
func (r *Report) Consistent() bool {
	return len(r.MissingLexical) == 0 && len(r.OrphanLexical) == 0 &&
		len(r.MissingVector) == 0 && len(r.OrphanVector) == 0
}

// Summary is a one-line description for logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("lexical missing=%d orphan=%d, vector missing=%d orphan=%d",
		len(r.MissingLexical), len(r.OrphanLexical), len(r.MissingVector), len(r.OrphanVector))
}

// Check compares the live records of the store with both indexes. An
// inconsistent result is returned together with ErrIndexInconsistency.
func (e *Engine) Check(ctx context.Context) (*Report, error) {
	live, err := e.store.LiveIndexed(ctx)
	if err != nil {
		return nil, err
	}
	lexIDs, err := e.lex.IDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Live: len(live)}
	for id := range live {
		if _, ok := lexIDs[id]; !ok {
			report.MissingLexical = append(report.MissingLexical, id)
		}
	}
	for id := range lexIDs {
		if _, ok := live[id]; !ok {
			report.OrphanLexical = append(report.OrphanLexical, id)
		}
	}

	gen := e.active.Load()
	if gen.Ready {
		report.VectorChecked = true
		for id, st := range live {
			if st.EmbeddingVersion != gen.Version {
				continue
			}
			if _, ok := gen.Index.Vector(id); !ok {
				report.MissingVector = append(report.MissingVector, id)
			}
		}
		for _, id := range gen.Index.IDs() {
			st, ok := live[id]
			if !ok || st.EmbeddingVersion != gen.Version {
				report.OrphanVector = append(report.OrphanVector, id)
			}
		}
	}

	sort.Strings(report.MissingLexical)
	sort.Strings(report.OrphanLexical)
	sort.Strings(report.MissingVector)
	sort.Strings(report.OrphanVector)

	if !report.Consistent() {
		return report, fmt.Errorf("%w: %s", ErrIndexInconsistency, report.Summary())
	}
	return report, nil
}

// Repair fixes what report found. Lexical entries and vectors with a stored
// artifact are repaired synchronously. Vectors that must be re-embedded are
// handed to a background rebuild and the generation stops serving vector
// results until it completes. It returns the number of entries fixed now.
func (e *Engine) Repair(ctx context.Context, report *Report) (int, error) {
	if report == nil || report.Consistent() {
		return 0, nil
	}
	fixed := 0
	reembed := 0
	err := e.pipe.Exclusive(func() error {
		for _, id := range report.OrphanLexical {
			if err := e.lex.Delete(ctx, id); err != nil {
				return err
			}
			fixed++
		}
		e.metrics.RecordRepair("lexical", "delete", len(report.OrphanLexical))

		if len(report.MissingLexical) > 0 {
			records, err := e.store.GetMany(ctx, report.MissingLexical)
			if err != nil {
				return err
			}
			for _, id := range report.MissingLexical {
				r, ok := records[id]
				if !ok {
					continue
				}
				if err := e.lex.Upsert(ctx, r.ID, string(r.Kind), r.Text); err != nil {
					return err
				}
				fixed++
			}
			e.metrics.RecordRepair("lexical", "upsert", len(report.MissingLexical))
		}

		gen := e.active.Load()
		for _, id := range report.OrphanVector {
			if err := gen.Index.Delete(ctx, id); err != nil {
				return err
			}
			fixed++
		}
		e.metrics.RecordRepair("vector", "delete", len(report.OrphanVector))

		if len(report.MissingVector) > 0 {
			records, err := e.store.GetMany(ctx, report.MissingVector)
			if err != nil {
				return err
			}
			restored := 0
			for _, id := range report.MissingVector {
				r, ok := records[id]
				if !ok {
					continue
				}
				vec, err := e.store.Vector(ctx, id, gen.Version)
				if err != nil {
					reembed++
					continue
				}
				if err := gen.Index.Upsert(ctx, vectorindex.Entry{ID: id, Kind: string(r.Kind), Vector: vec}); err != nil {
					return err
				}
				restored++
			}
			fixed += restored
			e.metrics.RecordRepair("vector", "restore", restored)
		}
		return nil
	})
	if err != nil {
		return fixed, fmt.Errorf("retrieval: repair: %w", err)
	}

	if reembed > 0 {
		gen := e.active.Load()
		e.active.SetReady(gen.Version, false)
		e.metrics.RecordRepair("vector", "reembed", reembed)
		e.log.Warn("vectors missing from store, rebuilding in background", "count", reembed)
		e.rebuilder.Schedule(gen.Embedder)
	}
	return fixed, nil
}
