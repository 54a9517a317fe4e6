package ops

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/inference"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// Inferer runs the keypoint model over image paths.
type Inferer interface {
	Process(ctx context.Context, paths []string, model string) ([]inference.Result, error)
}

// ProcessInput contains parameters for the Process operation.
type ProcessInput struct {
	Keys  []string // empty: every unprocessed record
	Model string   // empty: service default
}

// ProcessOutput contains the result of the Process operation.
type ProcessOutput struct {
	Requested int      `json:"requested"`
	Batches   int      `json:"batches"`
	Updated   int      `json:"updated"`
	Unmatched []string `json:"unmatched"`
	Missing   []string `json:"missing"`
}

// Process sends record image paths to the inference service in batches and
// applies the results. Any failed batch fails the whole call and nothing is
// applied.
func Process(ctx context.Context, st *store.Store, client Inferer, cfg *config.Config, input ProcessInput) (*ProcessOutput, error) {
	paths, missing, err := selectPaths(st, input.Keys)
	if err != nil {
		return nil, err
	}

	out := &ProcessOutput{Requested: len(paths), Unmatched: []string{}, Missing: missing}
	if len(paths) == 0 {
		return out, nil
	}

	batchSize, concurrency := 16, 4
	if cfg != nil {
		if cfg.InferenceBatchSize > 0 {
			batchSize = cfg.InferenceBatchSize
		}
		if cfg.InferenceConcurrency > 0 {
			concurrency = cfg.InferenceConcurrency
		}
	}

	batches := chunk(paths, batchSize)
	out.Batches = len(batches)
	results := make([][]inference.Result, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			res, err := client.Process(gctx, batch, input.Model)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelled("process")
		}
		return nil, err
	}

	var all []inference.Result
	for _, res := range results {
		all = append(all, res...)
	}

	applied, err := ApplyResults(ctx, st, ApplyResultsInput{Results: all, ModelName: input.Model})
	if err != nil {
		return nil, err
	}
	out.Updated = applied.Updated
	out.Unmatched = applied.Unmatched
	return out, nil
}

// selectPaths resolves keys to record paths, or picks every unprocessed
// record when keys is empty.
func selectPaths(st *store.Store, keys []string) (paths, missing []string, err error) {
	missing = []string{}
	if len(keys) == 0 {
		all, err := st.GetAll()
		if err != nil {
			return nil, nil, err
		}
		unprocessed := record.Criteria{Processed: new(bool)}
		for _, r := range all {
			if unprocessed.Match(r) {
				paths = append(paths, r.Key)
			}
		}
		return paths, missing, nil
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = record.NormalizeKey(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		_, ok, err := st.Get(k)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			missing = append(missing, k)
			continue
		}
		paths = append(paths, k)
	}
	return paths, missing, nil
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
