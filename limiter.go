package dbow

// sanitizeTopK clamps a requested result count into [0, available]: a
// non-positive or over-large maxResults means "return everything
// available" rather than erroring.
func sanitizeTopK(maxResults, available int) int {
	if maxResults <= 0 || maxResults > available {
		return available
	}
	return maxResults
}

// limitQueryResults truncates an already sorted ranked result slice to at
// most maxResults entries.
func limitQueryResults(results []QueryResult, maxResults int) []QueryResult {
	k := sanitizeTopK(maxResults, len(results))
	return results[:k]
}
