package dbow

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// WHAT IS A DATABASE?
//
// A Database holds an inverted index over a Vocabulary's words: for every
// word, the list of previously-inserted images (EntryIds) containing it,
// each with the weight the word carried in that image's BoW vector. Add
// appends one image; Query transforms a new image's features and scores
// them against only the postings of words the query actually contains,
// which is what keeps query time sub-linear in the number of inserted
// images for typical (Zipf-distributed) visual word frequencies.
//
// HOW IT WORKS:
// Add transforms features through the owned vocabulary copy, then appends
// one posting per (word, weight) pair to that word's list and, if direct
// indexing is enabled, stores the feature vector for later correspondence
// lookups. Query does the same transform, then walks only the posting
// lists of words present in the query, accumulating a per-entry score with
// the vocabulary's scoring function's raw comparator, finalizing and
// sorting at the end.
//
// TIME COMPLEXITY:
//   - Add: O(n*k*L) to transform n descriptors, plus O(|bow|) to append postings.
//   - Query: O(sum over query words of that word's posting list length + R log R).
//
// MEMORY REQUIREMENTS: ~16 bytes per posting in memory (a uint32 EntryID
// padded to 8 bytes plus a float64 weight; 12 bytes on disk), plus 4 bytes
// per stored uint32 feature index if direct indexing is enabled.
type Database struct {
	mu sync.RWMutex

	vocabulary       *Vocabulary
	useDirectIndex   bool
	directIndexLevel int

	invertedIndex [][]Posting    // indexed by WordID
	directIndex   []FeatureVector // indexed by EntryID; empty FeatureVector when disabled
	entryIDs      *roaring.Bitmap // all committed entry ids, for max_entry_id filtering
	numEntries    uint32
}

// Posting is one (EntryID, weight) pair in an inverted-index posting list.
type Posting struct {
	Entry  EntryID
	Weight float64
}

// EntryID sequentially identifies one image inserted into a Database.
type EntryID uint32

// QueryResult is one ranked match returned by Database.Query.
type QueryResult struct {
	Entry EntryID
	Score float64
}

// NewDatabase returns an empty database over a copy of vocabulary's
// structure. The database never mutates the vocabulary it was built from.
func NewDatabase(vocabulary *Vocabulary, useDirectIndex bool, directIndexLevel int) *Database {
	owned := *vocabulary
	return &Database{
		vocabulary:       &owned,
		useDirectIndex:   useDirectIndex,
		directIndexLevel: directIndexLevel,
		invertedIndex:    make([][]Posting, vocabulary.Size()),
		entryIDs:         roaring.New(),
	}
}

// Size returns the number of images inserted into the database.
func (db *Database) Size() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return int(db.numEntries)
}

// Clear removes every inserted entry, keeping the owned vocabulary.
func (db *Database) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.invertedIndex = make([][]Posting, db.vocabulary.Size())
	db.directIndex = nil
	db.entryIDs = roaring.New()
	db.numEntries = 0
}

// Add transforms features through the owned vocabulary and appends a new
// entry to the inverted index (and direct index, if enabled). Fails with
// ErrEmptyInput if features is empty; no partial state is left behind on
// failure.
func (db *Database) Add(features []Descriptor) (EntryID, error) {
	bow, fv, err := db.vocabulary.TransformWithFV(features, db.directIndexLevel)
	if err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	eid := EntryID(db.numEntries)
	for _, ww := range bow {
		db.invertedIndex[ww.Word] = append(db.invertedIndex[ww.Word], Posting{Entry: eid, Weight: ww.Value})
	}
	if db.useDirectIndex {
		db.directIndex = append(db.directIndex, fv)
	} else {
		db.directIndex = append(db.directIndex, nil)
	}
	db.entryIDs.Add(uint32(eid))
	db.numEntries++
	return eid, nil
}

// Query transforms features into a BoW vector and returns up to maxResults
// entries ranked by similarity under the vocabulary's scoring function,
// most-similar first (KL is the one kind where "most similar" is the
// smallest score). If maxEntryID is non-nil, only entries with
// EntryID <= *maxEntryID are considered.
func (db *Database) Query(features []Descriptor, maxResults int, maxEntryID *EntryID) ([]QueryResult, error) {
	bow, err := db.vocabulary.Transform(features)
	if err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	// A roaring bitmap eligibility filter: nil means every committed
	// entry is eligible, otherwise only committed entries with
	// EntryID <= maxEntryID are. Cloning db.entryIDs (rather than
	// filling a fresh range) keeps the filter correct even if the
	// committed entry ids are sparse.
	var filter *roaring.Bitmap
	if maxEntryID != nil {
		filter = db.entryIDs.Clone()
		filter.RemoveRange(uint64(*maxEntryID)+1, uint64(math.MaxUint32)+1)
	}

	scoring := db.vocabulary.scoring
	pairs := make(map[EntryID]float64)
	accumulate := scoringAccumulator(scoring.Kind())

	for _, ww := range bow {
		for _, p := range db.invertedIndex[ww.Word] {
			if filter != nil && !filter.Contains(uint32(p.Entry)) {
				continue
			}
			pairs[p.Entry] += accumulate(ww.Value, p.Weight)
		}
	}

	results := make([]QueryResult, 0, len(pairs))
	for eid, raw := range pairs {
		score, err := finalizeScore(scoring.Kind(), raw)
		if err != nil {
			return nil, err
		}
		results = append(results, QueryResult{Entry: eid, Score: score})
	}

	higherIsBetter := scoring.HigherIsBetter()
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Entry < results[j].Entry
		}
		if higherIsBetter {
			return results[i].Score > results[j].Score
		}
		return results[i].Score < results[j].Score
	})

	return limitQueryResults(results, maxResults), nil
}

// scoringAccumulator returns the per-word posting contribution function for
// kind. This mirrors, word by word, the same comparator each Scoring
// implementation in scoring.go uses over a full sparse merge — Database.Query
// restricts that merge to only the words present in the query, visiting
// posting lists instead of a second BowVector.
func scoringAccumulator(kind ScoringKind) func(qv, dv float64) float64 {
	switch kind {
	case L1:
		return func(qv, dv float64) float64 { return absFloat(qv-dv) - qv - dv }
	case L2:
		return func(qv, dv float64) float64 { return -qv * dv }
	case ChiSquare:
		return func(qv, dv float64) float64 {
			denom := qv + dv
			if denom == 0 {
				return 0
			}
			return (qv * dv) / denom
		}
	case KL:
		// Unlike Scoring.Score, query-mode accumulation only ever visits
		// posting lists for words the query and a candidate both carry, so
		// the per-word contribution here is exactly q_w*ln(q_w/d_w), without
		// Score's unmatched-word penalty (a candidate sharing zero words with
		// the query is simply never visited at all, by construction of the
		// inverted index).
		return func(qv, dv float64) float64 {
			if dv <= 0 || qv <= 0 {
				return 0
			}
			return qv * math.Log(qv/dv)
		}
	case Bhattacharyya:
		return func(qv, dv float64) float64 { return math.Sqrt(qv * dv) }
	case DotProduct:
		return func(qv, dv float64) float64 { return qv * dv }
	default:
		return func(qv, dv float64) float64 { return 0 }
	}
}

// finalizeScore applies each ScoringKind's final raw-score-to-similarity
// mapping (the same mapping scoring.go's Scoring.Score implementations
// apply) to the raw accumulated comparator.
func finalizeScore(kind ScoringKind, raw float64) (float64, error) {
	switch kind {
	case L1:
		return checkFinite(1 - (raw+2)/2)
	case L2:
		inner := 1 - (-raw)
		if inner < 0 {
			inner = 0
		}
		return checkFinite(1 - math.Sqrt(inner))
	case ChiSquare:
		score := 2 * raw
		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		return checkFinite(score)
	case KL:
		return checkFinite(raw)
	case Bhattacharyya:
		return checkFinite(raw)
	case DotProduct:
		return checkFinite(raw)
	default:
		return 0, ErrUnknownScoring
	}
}

// GetFeatureVector returns the stored feature vector for eid. Fails with
// ErrDirectIndexDisabled if the database was opened without direct
// indexing, or ErrOutOfRange if eid was never inserted.
func (db *Database) GetFeatureVector(eid EntryID) (FeatureVector, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if !db.useDirectIndex {
		return nil, ErrDirectIndexDisabled
	}
	if int(eid) < 0 || int(eid) >= len(db.directIndex) {
		return nil, fmt.Errorf("%w: entry id %d", ErrOutOfRange, eid)
	}
	return db.directIndex[eid], nil
}

// RetrieveFeatures returns, for every tree node present in both a and b's
// feature vectors, the Cartesian product of their local feature indices —
// candidate cross-image correspondences for geometric verification callers
// layer on top of this core. Symmetric: RetrieveFeatures(a,b) and the
// FeatureA/FeatureB-swapped RetrieveFeatures(b,a) contain the same pairs.
func (db *Database) RetrieveFeatures(a, b EntryID) ([]FeaturePair, error) {
	fvA, err := db.GetFeatureVector(a)
	if err != nil {
		return nil, err
	}
	fvB, err := db.GetFeatureVector(b)
	if err != nil {
		return nil, err
	}
	return retrieveFeaturePairs(fvA, fvB), nil
}

// --- persistence -----------------------------------------------------------

const databaseMagic = "DBDB"
const databaseVersion = uint32(1)

// WriteTo streams the vocabulary, then the inverted index, then the direct
// index to w in one linear pass, using the same magic+version framing as
// Vocabulary.WriteTo.
func (db *Database) WriteTo(w io.Writer) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var n int64
	if _, err := w.Write([]byte(databaseMagic)); err != nil {
		return n, fmt.Errorf("write magic: %w", err)
	}
	n += 4

	write := func(order ...any) error {
		for _, o := range order {
			if err := binary.Write(w, binary.LittleEndian, o); err != nil {
				return err
			}
		}
		return nil
	}

	if err := write(databaseVersion); err != nil {
		return n, fmt.Errorf("write version: %w", err)
	}
	n += 4

	vocN, err := db.vocabulary.WriteTo(w)
	if err != nil {
		return n, fmt.Errorf("write vocabulary: %w", err)
	}
	n += vocN

	useDI := uint32(0)
	if db.useDirectIndex {
		useDI = 1
	}
	if err := write(useDI, uint32(db.directIndexLevel), db.numEntries, uint32(len(db.invertedIndex))); err != nil {
		return n, fmt.Errorf("write database header: %w", err)
	}
	n += 16

	for _, postings := range db.invertedIndex {
		if err := write(uint32(len(postings))); err != nil {
			return n, fmt.Errorf("write posting count: %w", err)
		}
		n += 4
		for _, p := range postings {
			if err := write(uint32(p.Entry), p.Weight); err != nil {
				return n, fmt.Errorf("write posting: %w", err)
			}
			n += 4 + 8
		}
	}

	if err := write(uint32(len(db.directIndex))); err != nil {
		return n, fmt.Errorf("write direct index count: %w", err)
	}
	n += 4
	for _, fv := range db.directIndex {
		if err := write(uint32(len(fv))); err != nil {
			return n, fmt.Errorf("write feature vector size: %w", err)
		}
		n += 4
		for _, nf := range fv {
			if err := write(uint32(nf.Node), uint32(len(nf.Features))); err != nil {
				return n, fmt.Errorf("write node features header: %w", err)
			}
			n += 8
			for _, f := range nf.Features {
				if err := write(f); err != nil {
					return n, fmt.Errorf("write feature index: %w", err)
				}
				n += 4
			}
		}
	}

	return n, nil
}

// ReadFrom reconstructs a database (and the vocabulary it owns) from a
// stream written by WriteTo. The receiver's vocabulary's DescriptorFamily
// must already be known: build the receiver with NewDatabase over a
// Vocabulary obtained from NewVocabulary with the right family, and the
// database's own copy of it is repopulated in place (the Vocabulary passed
// to NewDatabase is left unchanged).
func (db *Database) ReadFrom(r io.Reader) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var n int64
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return n, fmt.Errorf("%w: read magic: %v", ErrSerialization, err)
	}
	n += 4
	if string(magic) != databaseMagic {
		return n, fmt.Errorf("%w: bad magic %q", ErrSerialization, magic)
	}

	read := func(order ...any) error {
		for _, o := range order {
			if err := binary.Read(r, binary.LittleEndian, o); err != nil {
				return err
			}
		}
		return nil
	}

	var version uint32
	if err := read(&version); err != nil {
		return n, fmt.Errorf("%w: read version: %v", ErrSerialization, err)
	}
	if version != databaseVersion {
		return n, fmt.Errorf("%w: version %d", ErrSerialization, version)
	}
	n += 4

	if db.vocabulary == nil {
		return n, fmt.Errorf("%w: database has no vocabulary to load into", ErrSerialization)
	}
	vocN, err := db.vocabulary.ReadFrom(r)
	if err != nil {
		return n, err
	}
	n += vocN

	var useDI, directIndexLevel, numEntries, numWords uint32
	if err := read(&useDI, &directIndexLevel, &numEntries, &numWords); err != nil {
		return n, fmt.Errorf("%w: read database header: %v", ErrSerialization, err)
	}
	n += 16
	db.useDirectIndex = useDI != 0
	db.directIndexLevel = int(directIndexLevel)
	db.numEntries = numEntries

	db.invertedIndex = make([][]Posting, numWords)
	for w := range db.invertedIndex {
		var count uint32
		if err := read(&count); err != nil {
			return n, fmt.Errorf("%w: read posting count: %v", ErrSerialization, err)
		}
		n += 4
		postings := make([]Posting, count)
		for i := range postings {
			var eid uint32
			var weight float64
			if err := read(&eid, &weight); err != nil {
				return n, fmt.Errorf("%w: read posting: %v", ErrSerialization, err)
			}
			n += 4 + 8
			postings[i] = Posting{Entry: EntryID(eid), Weight: weight}
		}
		db.invertedIndex[w] = postings
	}

	var numDirectEntries uint32
	if err := read(&numDirectEntries); err != nil {
		return n, fmt.Errorf("%w: read direct index count: %v", ErrSerialization, err)
	}
	n += 4
	db.directIndex = make([]FeatureVector, numDirectEntries)
	db.entryIDs = roaring.New()
	for e := range db.directIndex {
		var fvLen uint32
		if err := read(&fvLen); err != nil {
			return n, fmt.Errorf("%w: read feature vector size: %v", ErrSerialization, err)
		}
		n += 4
		fv := make(FeatureVector, fvLen)
		for i := range fv {
			var nodeID, featCount uint32
			if err := read(&nodeID, &featCount); err != nil {
				return n, fmt.Errorf("%w: read node features header: %v", ErrSerialization, err)
			}
			n += 8
			feats := make([]uint32, featCount)
			for j := range feats {
				if err := read(&feats[j]); err != nil {
					return n, fmt.Errorf("%w: read feature index: %v", ErrSerialization, err)
				}
				n += 4
			}
			fv[i] = NodeFeatures{Node: NodeID(nodeID), Features: feats}
		}
		db.directIndex[e] = fv
		db.entryIDs.Add(uint32(e))
	}

	return n, nil
}

// Save writes the database to path as a gzip-compressed binary stream.
func (db *Database) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := db.WriteTo(gw); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// Load populates the database (which must already carry a Vocabulary whose
// DescriptorFamily is set) from a file written by Save.
func (db *Database) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	defer gr.Close()

	_, err = db.ReadFrom(gr)
	return err
}
