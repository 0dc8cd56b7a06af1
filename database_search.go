package dbow

import "fmt"

// DatabaseSearch is a fluent builder for Database queries
// (WithFeatures/WithK/WithMaxEntryID/Execute) over a database's
// (features, k, maxEntryID) query parameters. Query remains available
// directly for the simple case.
type DatabaseSearch struct {
	db         *Database
	features   []Descriptor
	k          int
	maxEntryID *EntryID
}

// NewSearch returns a DatabaseSearch builder bound to db.
func (db *Database) NewSearch() *DatabaseSearch {
	return &DatabaseSearch{db: db}
}

// WithFeatures sets the query image's descriptors.
func (s *DatabaseSearch) WithFeatures(features []Descriptor) *DatabaseSearch {
	s.features = features
	return s
}

// WithK sets the maximum number of ranked results to return. Zero or
// negative means "return every candidate".
func (s *DatabaseSearch) WithK(k int) *DatabaseSearch {
	s.k = k
	return s
}

// WithMaxEntryID restricts candidates to entries with EntryID <= maxID.
func (s *DatabaseSearch) WithMaxEntryID(maxID EntryID) *DatabaseSearch {
	s.maxEntryID = &maxID
	return s
}

// Execute runs the configured query.
func (s *DatabaseSearch) Execute() ([]QueryResult, error) {
	if s.features == nil {
		return nil, fmt.Errorf("%w: DatabaseSearch requires WithFeatures", ErrEmptyInput)
	}
	return s.db.Query(s.features, s.k, s.maxEntryID)
}
