package session

import (
	"runtime"
	"sync"
)

// writeResult is the outcome of writing one owner's bundle.
type writeResult struct {
	OwnerID string
	Err     error
}

// parallelWriteBundles writes all owner bundles concurrently and returns the
// per-owner results. Uses a semaphore to limit concurrency to the number of
// CPUs.
func parallelWriteBundles(store *BundleStore, bundles map[string]*OwnerBundle) []writeResult {
	results := make([]writeResult, 0, len(bundles))
	resultCh := make(chan writeResult, len(bundles))

	var wg sync.WaitGroup
	sem := make(chan struct{}, runtime.NumCPU())

	for ownerID, bundle := range bundles {
		wg.Add(1)
		sem <- struct{}{}

		go func(ownerID string, bundle *OwnerBundle) {
			defer wg.Done()
			defer func() { <-sem }()

			resultCh <- writeResult{
				OwnerID: ownerID,
				Err:     store.WriteBundle(ownerID, bundle),
			}
		}(ownerID, bundle)
	}

	wg.Wait()
	close(resultCh)

	for res := range resultCh {
		results = append(results, res)
	}
	return results
}
