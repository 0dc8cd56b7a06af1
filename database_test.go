package dbow

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestDatabase(t *testing.T, useDirectIndex bool, directIndexLevel int) *Database {
	t.Helper()
	v := newTinyVocabulary(t, TFIDF, L1)
	return NewDatabase(v, useDirectIndex, directIndexLevel)
}

func TestDatabaseAddRejectsEmptyFeatures(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	if _, err := db.Add(nil); err != ErrEmptyInput {
		t.Errorf("Add(nil) = %v, want ErrEmptyInput", err)
	}
	if db.Size() != 0 {
		t.Errorf("Size() = %d after failed Add, want 0 (no partial state)", db.Size())
	}
}

func TestDatabaseAddAssignsSequentialEntryIDs(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	for i, img := range tinyTrainingSet() {
		eid, err := db.Add(img)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if eid != EntryID(i) {
			t.Errorf("Add(%d) returned EntryID %d, want %d", i, eid, i)
		}
	}
	if db.Size() != len(tinyTrainingSet()) {
		t.Errorf("Size() = %d, want %d", db.Size(), len(tinyTrainingSet()))
	}
}

func TestDatabaseQuerySelfMatchRanksFirst(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	set := tinyTrainingSet()
	for _, img := range set {
		if _, err := db.Add(img); err != nil {
			t.Fatal(err)
		}
	}

	for i, img := range set {
		// tinyTrainingSet holds every descriptor value twice (images 2j and
		// 2j+1 are identical), so both entries score the same and the tie
		// goes to the smaller EntryID.
		want := EntryID(i - i%2)
		results, err := db.Query(img, 1, nil)
		if err != nil {
			t.Fatalf("Query(%d): %v", i, err)
		}
		if len(results) != 1 {
			t.Fatalf("Query(%d) returned %d results, want 1", i, len(results))
		}
		if results[0].Entry != want {
			t.Errorf("Query(%d) top match = entry %d, want %d (self or its identical twin with the smaller id)", i, results[0].Entry, want)
		}
	}
}

func TestDatabaseQueryRespectsK(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	for _, img := range tinyTrainingSet() {
		if _, err := db.Add(img); err != nil {
			t.Fatal(err)
		}
	}
	results, err := db.Query(tinyTrainingSet()[0], 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) > 3 {
		t.Errorf("len(results) = %d, want <= 3", len(results))
	}

	all, err := db.Query(tinyTrainingSet()[0], 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Only entries sharing a word with the query are candidates: entries 0
	// and 1 (both 0x00). k=0 must return all of them, untruncated.
	if len(all) != 2 {
		t.Errorf("Query with k=0 returned %d results, want all 2 candidate entries", len(all))
	}
}

func TestDatabaseQueryMaxEntryIDFiltersCandidates(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	for _, img := range tinyTrainingSet() {
		if _, err := db.Add(img); err != nil {
			t.Fatal(err)
		}
	}

	maxID := EntryID(2)
	results, err := db.Query(tinyTrainingSet()[0], 0, &maxID)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Entry > maxID {
			t.Errorf("result entry %d exceeds maxEntryID %d", r.Entry, maxID)
		}
	}
}

func TestDatabaseQueryRequiresNonEmptyFeatures(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	if _, err := db.Query(nil, 0, nil); err != ErrEmptyInput {
		t.Errorf("Query(nil) = %v, want ErrEmptyInput", err)
	}
}

func TestDatabaseClearResetsState(t *testing.T) {
	db := newTestDatabase(t, true, 1)
	for _, img := range tinyTrainingSet() {
		if _, err := db.Add(img); err != nil {
			t.Fatal(err)
		}
	}
	db.Clear()
	if db.Size() != 0 {
		t.Errorf("Size() after Clear = %d, want 0", db.Size())
	}
	if _, err := db.GetFeatureVector(0); err == nil {
		t.Error("expected error retrieving feature vector after Clear")
	}
}

func TestDatabaseDirectIndexDisabledByDefault(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	if _, err := db.Add(tinyTrainingSet()[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetFeatureVector(0); err != ErrDirectIndexDisabled {
		t.Errorf("GetFeatureVector with direct index disabled = %v, want ErrDirectIndexDisabled", err)
	}
}

func TestDatabaseDirectIndexOutOfRange(t *testing.T) {
	db := newTestDatabase(t, true, 1)
	if _, err := db.Add(tinyTrainingSet()[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetFeatureVector(5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("GetFeatureVector(out of range) = %v, want ErrOutOfRange", err)
	}
}

func TestDatabaseRetrieveFeaturesSharesNodesAcrossEntries(t *testing.T) {
	db := newTestDatabase(t, true, 1)
	set := tinyTrainingSet()
	a, err := db.Add(set[0])
	if err != nil {
		t.Fatal(err)
	}
	b, err := db.Add(set[1]) // same descriptor value 0x00 as set[0]
	if err != nil {
		t.Fatal(err)
	}

	pairs, err := db.RetrieveFeatures(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) == 0 {
		t.Error("expected at least one correspondence between two identical single-descriptor images")
	}
}

func TestDatabaseSearchBuilderMatchesDirectQuery(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	for _, img := range tinyTrainingSet() {
		if _, err := db.Add(img); err != nil {
			t.Fatal(err)
		}
	}

	direct, err := db.Query(tinyTrainingSet()[0], 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	viaBuilder, err := db.NewSearch().WithFeatures(tinyTrainingSet()[0]).WithK(2).Execute()
	if err != nil {
		t.Fatal(err)
	}
	if len(direct) != len(viaBuilder) {
		t.Fatalf("len(direct)=%d len(viaBuilder)=%d", len(direct), len(viaBuilder))
	}
	for i := range direct {
		if direct[i] != viaBuilder[i] {
			t.Errorf("result %d: direct=%+v builder=%+v", i, direct[i], viaBuilder[i])
		}
	}
}

func TestDatabaseSearchBuilderRequiresFeatures(t *testing.T) {
	db := newTestDatabase(t, false, 0)
	if _, err := db.NewSearch().Execute(); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Execute without WithFeatures = %v, want ErrEmptyInput", err)
	}
}

func TestDatabasePersistenceRoundTrip(t *testing.T) {
	db := newTestDatabase(t, true, 1)
	for _, img := range tinyTrainingSet() {
		if _, err := db.Add(img); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), "database.bin")
	if err := db.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	v2, err := NewVocabulary(NewBinaryDescriptorFamily(1), 2, 2, TFIDF, L1)
	if err != nil {
		t.Fatal(err)
	}
	db2 := NewDatabase(v2, true, 1)
	if err := db2.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if db2.Size() != db.Size() {
		t.Fatalf("loaded Size() = %d, want %d", db2.Size(), db.Size())
	}

	for i, img := range tinyTrainingSet() {
		r1, err1 := db.Query(img, 1, nil)
		r2, err2 := db2.Query(img, 1, nil)
		if err1 != nil || err2 != nil {
			t.Fatalf("query %d: err1=%v err2=%v", i, err1, err2)
		}
		if len(r1) != 1 || len(r2) != 1 || r1[0].Entry != r2[0].Entry {
			t.Errorf("query %d diverged after reload: r1=%+v r2=%+v", i, r1, r2)
		}
	}
}
