package scheduler

import "sort"

// Plan orders jobs by descending cost and deals them round-robin into at most
// workers*chunksPerWorker chunks. Chunks are handed to workers in order, so
// each worker's first chunk starts with one of the largest jobs.
func Plan(jobs []Job, workers, chunksPerWorker int) [][]Job {
	if len(jobs) == 0 {
		return nil
	}
	sorted := make([]Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Cost() != sorted[j].Cost() {
			return sorted[i].Cost() > sorted[j].Cost()
		}
		return sorted[i].ID() < sorted[j].ID()
	})

	n := max(workers, 1) * max(chunksPerWorker, 1)
	n = min(n, len(sorted))
	chunks := make([][]Job, n)
	for i, j := range sorted {
		chunks[i%n] = append(chunks[i%n], j)
	}
	return chunks
}
