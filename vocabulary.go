package dbow

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/RoaringBitmap/roaring"
)

// WHAT IS A VOCABULARY?
//
// A Vocabulary is a tree built once by recursive k-means clustering over a
// corpus of training descriptors. Its leaves are visual words: every
// descriptor that ever reaches a given leaf, from any image, is considered
// an instance of that word. After construction the tree is immutable and
// safe for concurrent read-only use (Transform, Score) from any number of
// goroutines.
//
// HOW IT WORKS:
// Create flattens the training set into one descriptor pool, recursively
// splits it into at most k clusters per level down to depth L (k-means++
// seeding, bounded Lloyd iteration), then walks the finished tree once to
// assign dense WordIds to leaves and compute TF-IDF leaf weights.
// Transform descends the tree once per descriptor (O(k*L) per descriptor)
// to find its word, accumulating a weighted sparse BoW vector.
//
// TIME COMPLEXITY:
//   - Create: O(D * k * L * maxIter * cost(distance)) where D is the total
//     number of training descriptors.
//   - Transform: O(n * k * L * cost(distance)) for n query descriptors.
//   - Score: O(|a|+|b|) via sparse merge.
type Vocabulary struct {
	family      DescriptorFamily
	k           int
	maxDepth    int
	weighting   WeightingKind
	scoringKind ScoringKind
	scoring     Scoring

	seed          int64
	maxKMeansIter int
	quantizer     RealDescriptorQuantizer
	descriptorDim int
	progress      func(done, total int)

	nodes      []*node
	wordToNode []NodeID
}

// VocabularyOption configures optional Vocabulary construction parameters.
type VocabularyOption func(*Vocabulary)

// WithSeed sets the RNG seed used by k-means++ seeding, for reproducible
// vocabulary construction.
func WithSeed(seed int64) VocabularyOption {
	return func(v *Vocabulary) { v.seed = seed }
}

// WithMaxKMeansIter overrides the bound on Lloyd iterations per split
// (default DefaultMaxKMeansIter).
func WithMaxKMeansIter(n int) VocabularyOption {
	return func(v *Vocabulary) {
		if n > 0 {
			v.maxKMeansIter = n
		}
	}
}

// WithQuantizer selects a compact on-disk encoding for RealDescriptor node
// descriptors (see descriptor_quantizer.go). It has no effect on binary
// descriptor vocabularies, and never affects transform's in-memory
// descriptor values — only the bytes WriteTo persists.
func WithQuantizer(kind PrecisionKind) VocabularyOption {
	return func(v *Vocabulary) { v.quantizer = NewRealDescriptorQuantizer(kind) }
}

// WithProgress registers a callback invoked once per training image
// consumed during Create, for CLI-style progress reporting. Off by default.
func WithProgress(fn func(done, total int)) VocabularyOption {
	return func(v *Vocabulary) { v.progress = fn }
}

// NewVocabulary returns an empty vocabulary configured with the given
// branching factor k (range [2,256]), maximum depth L (range [1,10]),
// weighting scheme, and scoring function. Call Create to populate it.
func NewVocabulary(family DescriptorFamily, k, maxDepth int, weighting WeightingKind, scoringKind ScoringKind, opts ...VocabularyOption) (*Vocabulary, error) {
	if family == nil {
		return nil, fmt.Errorf("%w: nil DescriptorFamily", ErrInvalidParameter)
	}
	if k < 2 || k > 256 {
		return nil, fmt.Errorf("%w: branching factor k=%d out of range [2,256]", ErrInvalidParameter, k)
	}
	if maxDepth < 1 || maxDepth > 10 {
		return nil, fmt.Errorf("%w: depth L=%d out of range [1,10]", ErrInvalidParameter, maxDepth)
	}
	if err := validWeighting(weighting); err != nil {
		return nil, err
	}
	scoring, err := NewScoring(scoringKind)
	if err != nil {
		return nil, err
	}

	v := &Vocabulary{
		family:        family,
		k:             k,
		maxDepth:      maxDepth,
		weighting:     weighting,
		scoringKind:   scoringKind,
		scoring:       scoring,
		maxKMeansIter: DefaultMaxKMeansIter,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Size returns the number of visual words (leaves) in the vocabulary.
func (v *Vocabulary) Size() int { return len(v.wordToNode) }

// Empty reports whether the vocabulary has not yet been Created or Loaded.
func (v *Vocabulary) Empty() bool { return len(v.wordToNode) == 0 }

// GetBranchingFactor returns the configured k.
func (v *Vocabulary) GetBranchingFactor() int { return v.k }

// GetDepthLevels returns the configured maximum depth L.
func (v *Vocabulary) GetDepthLevels() int { return v.maxDepth }

// GetWordWeight returns the leaf weight for wid, or ErrOutOfRange.
func (v *Vocabulary) GetWordWeight(wid WordID) (float64, error) {
	n, err := v.wordNode(wid)
	if err != nil {
		return 0, err
	}
	return n.weight, nil
}

// GetWord returns the representative descriptor stored at leaf wid, or
// ErrOutOfRange.
func (v *Vocabulary) GetWord(wid WordID) (Descriptor, error) {
	n, err := v.wordNode(wid)
	if err != nil {
		return nil, err
	}
	return n.descriptor, nil
}

func (v *Vocabulary) wordNode(wid WordID) (*node, error) {
	if int(wid) < 0 || int(wid) >= len(v.wordToNode) {
		return nil, fmt.Errorf("%w: word id %d", ErrOutOfRange, wid)
	}
	return v.nodes[v.wordToNode[wid]], nil
}

// Score compares two pre-normalized BowVectors under the vocabulary's
// configured scoring function.
func (v *Vocabulary) Score(a, b BowVector) (float64, error) {
	if v.Empty() {
		return 0, ErrNotTrained
	}
	return v.scoring.Score(a, b)
}

// --- construction --------------------------------------------------------

// trainingDescriptor pairs a flattened training descriptor with the index
// of the training image it came from, needed only to count n_i for IDF.
type trainingDescriptor struct {
	desc    Descriptor
	imageID int
}

// Create builds the vocabulary tree from training_features, one entry per
// training image. Fails with ErrEmptyInput if the set is empty or every
// image's descriptor list is empty.
func (v *Vocabulary) Create(trainingFeatures [][]Descriptor) error {
	numImages := len(trainingFeatures)
	var pool []trainingDescriptor
	for img, feats := range trainingFeatures {
		for _, d := range feats {
			pool = append(pool, trainingDescriptor{desc: d, imageID: img})
		}
		if v.progress != nil {
			v.progress(img+1, numImages)
		}
	}
	if len(pool) == 0 {
		return ErrEmptyInput
	}

	if rd, ok := pool[0].desc.(RealDescriptor); ok && v.quantizer != nil {
		v.descriptorDim = len(rd)
		samples := make([]RealDescriptor, 0, len(pool))
		for _, td := range pool {
			if r, ok := td.desc.(RealDescriptor); ok {
				samples = append(samples, r)
			}
		}
		v.quantizer.Train(samples)
	}

	rng := rand.New(rand.NewSource(v.seed))

	allDescs := make([]Descriptor, len(pool))
	for i, td := range pool {
		allDescs[i] = td.desc
	}
	root := &node{id: RootNode, parent: NoNode, wordID: NoWord, descriptor: v.family.Mean(allDescs)}
	v.nodes = []*node{root}
	leafImageSets := make(map[NodeID]*roaring.Bitmap)

	indices := make([]int, len(pool))
	for i := range indices {
		indices[i] = i
	}
	v.clusterSplit(root, 0, pool, indices, rng, leafImageSets)

	v.assignWordsAndWeights(numImages, leafImageSets)
	return nil
}

// clusterSplit recursively clusters node's training descriptors, currently
// at depth, over the training descriptors named by indices into pool.
// leafImageSets accumulates, per leaf NodeID, the set of training image ids
// that contributed a descriptor to that leaf (for IDF n_i).
func (v *Vocabulary) clusterSplit(n *node, depth int, pool []trainingDescriptor, indices []int, rng *rand.Rand, leafImageSets map[NodeID]*roaring.Bitmap) {
	descs := make([]Descriptor, len(indices))
	for i, idx := range indices {
		descs[i] = pool[idx].desc
	}

	if depth == v.maxDepth {
		n.descriptor = v.family.Mean(descs)
		v.markLeaf(n, indices, pool, leafImageSets)
		return
	}

	if len(indices) <= v.k {
		// One leaf per descriptor: mean_of a singleton is itself.
		for _, idx := range indices {
			child := v.newChild(n)
			child.descriptor = pool[idx].desc
			v.markLeaf(child, []int{idx}, pool, leafImageSets)
		}
		return
	}

	centers, assignment := kmeans(descs, v.k, v.family, v.maxKMeansIter, rng)
	groups := make(map[int][]int) // center index -> indices into pool
	for i, c := range assignment {
		groups[c] = append(groups[c], indices[i])
	}

	children := make([]*node, 0, len(centers))
	childGroups := make([][]int, 0, len(centers))
	for c := range centers {
		group, ok := groups[c]
		if !ok || len(group) == 0 {
			continue
		}
		child := v.newChild(n)
		child.descriptor = centers[c]
		children = append(children, child)
		childGroups = append(childGroups, group)
	}

	for i, child := range children {
		v.clusterSplit(child, depth+1, pool, childGroups[i], rng, leafImageSets)
	}
}

func (v *Vocabulary) newChild(parent *node) *node {
	id := NodeID(len(v.nodes))
	child := &node{id: id, parent: parent.id, wordID: NoWord}
	v.nodes = append(v.nodes, child)
	parent.children = append(parent.children, id)
	return child
}

func (v *Vocabulary) markLeaf(n *node, indices []int, pool []trainingDescriptor, leafImageSets map[NodeID]*roaring.Bitmap) {
	bm := roaring.New()
	for _, idx := range indices {
		bm.Add(uint32(pool[idx].imageID))
	}
	leafImageSets[n.id] = bm
}

// assignWordsAndWeights performs the deterministic post-construction
// traversal that assigns dense WordIds and leaf weights: DFS over children
// in creation order, assigning dense WordIds to leaves as encountered and
// computing each leaf's weight from its training-image bitmap.
func (v *Vocabulary) assignWordsAndWeights(numImages int, leafImageSets map[NodeID]*roaring.Bitmap) {
	var wordToNode []NodeID
	var visit func(id NodeID)
	visit = func(id NodeID) {
		n := v.nodes[id]
		if n.isLeaf() {
			n.wordID = WordID(len(wordToNode))
			wordToNode = append(wordToNode, id)
			if v.weighting.usesIDF() {
				ni := float64(leafImageSets[id].GetCardinality())
				if ni <= 0 {
					ni = 1
				}
				n.weight = math.Log(float64(numImages) / ni)
			} else {
				n.weight = 1.0
			}
			return
		}
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(RootNode)
	v.wordToNode = wordToNode
}

// --- quantization & transform --------------------------------------------

// quantizeOne descends the tree greedily from the root, returning the
// leaf's WordID, its weight, and the NodeID of the ancestor at depth level
// (clamped to the leaf's own depth if the leaf terminated earlier).
func (v *Vocabulary) quantizeOne(d Descriptor, level int) (WordID, float64, NodeID) {
	cur := v.nodes[RootNode]
	ancestor := RootNode
	depth := 0
	for !cur.isLeaf() {
		best := 0
		bestDist := v.family.Distance(d, v.nodes[cur.children[0]].descriptor)
		for i := 1; i < len(cur.children); i++ {
			dist := v.family.Distance(d, v.nodes[cur.children[i]].descriptor)
			if dist < bestDist {
				bestDist = dist
				best = i
			}
		}
		cur = v.nodes[cur.children[best]]
		depth++
		if depth == level {
			ancestor = cur.id
		}
	}
	if level == 0 {
		ancestor = RootNode
	} else if depth < level {
		ancestor = cur.id
	}
	return cur.wordID, cur.weight, ancestor
}

// TransformOne quantizes a single descriptor to its WordID.
func (v *Vocabulary) TransformOne(d Descriptor) (WordID, error) {
	if v.Empty() {
		return 0, ErrNotTrained
	}
	wid, _, _ := v.quantizeOne(d, 0)
	return wid, nil
}

// Transform quantizes every descriptor in features and accumulates a
// normalized BowVector per the vocabulary's weighting and scoring
// configuration. Fails with ErrEmptyInput if features is empty, or
// ErrNotTrained if the vocabulary has not been built.
func (v *Vocabulary) Transform(features []Descriptor) (BowVector, error) {
	bow, _, err := v.TransformWithFV(features, 0)
	return bow, err
}

// TransformWithFV is Transform plus a FeatureVector (direct index) keyed by
// the ancestor node at the given level.
func (v *Vocabulary) TransformWithFV(features []Descriptor, level int) (BowVector, FeatureVector, error) {
	if v.Empty() {
		return nil, nil, ErrNotTrained
	}
	if len(features) == 0 {
		return nil, nil, ErrEmptyInput
	}

	bb := newBowVectorBuilder()
	fb := newFeatureVectorBuilder()
	for i, d := range features {
		wid, weight, ancestor := v.quantizeOne(d, level)
		switch v.weighting {
		case TFIDF, IDF:
			bb.add(wid, weight)
		case TF:
			bb.add(wid, 1)
		case Binary:
			bb.set(wid, 1)
		}
		fb.add(ancestor, uint32(i))
	}

	bow := bb.build()
	if v.weighting.usesTF() && len(features) > 0 {
		bow = bow.Scale(1.0 / float64(len(features)))
	}
	bow = Normalize(bow, v.scoring.RequiredNorm())
	return bow, fb.build(), nil
}

// --- persistence -----------------------------------------------------------

const vocabularyMagic = "DBOW"
const vocabularyVersion = uint32(1)

// disabledQuantizerTag marks a persisted vocabulary that always stores node
// descriptors in their canonical lossless string form.
const disabledQuantizerTag = uint32(3)

// WriteTo streams the vocabulary's parameters, flat node array, and
// word-id/node-id map to w in one linear pass, so that reading it back is
// linear in vocabulary size too — no random access into a parsed node
// collection on the read side — using a magic+version+binary.Write framing.
func (v *Vocabulary) WriteTo(w io.Writer) (int64, error) {
	var n int64
	write := func(order ...any) error {
		for _, o := range order {
			if err := binary.Write(w, binary.LittleEndian, o); err != nil {
				return err
			}
		}
		return nil
	}

	if _, err := w.Write([]byte(vocabularyMagic)); err != nil {
		return n, fmt.Errorf("write magic: %w", err)
	}
	n += 4

	quantizerKind := disabledQuantizerTag
	if v.quantizer != nil {
		quantizerKind = uint32(v.quantizer.Kind())
	}
	var absMax float64
	if q, ok := v.quantizer.(*int8Quantizer); ok {
		absMax = q.absMax
	}

	if err := write(vocabularyVersion, uint32(v.k), uint32(v.maxDepth), uint32(v.weighting), uint32(v.scoringKind), quantizerKind, uint32(v.descriptorDim), absMax, uint32(len(v.nodes))); err != nil {
		return n, fmt.Errorf("write header: %w", err)
	}
	n += 4*8 + 8

	for _, nd := range v.nodes {
		tag, payload := v.encodeDescriptor(nd.descriptor)
		if err := write(tag, uint32(len(payload))); err != nil {
			return n, fmt.Errorf("write node tag: %w", err)
		}
		n += 5
		if _, err := w.Write(payload); err != nil {
			return n, fmt.Errorf("write node payload: %w", err)
		}
		n += int64(len(payload))

		if err := write(uint32(nd.parent), nd.weight, uint32(len(nd.children))); err != nil {
			return n, fmt.Errorf("write node fields: %w", err)
		}
		n += 4 + 8 + 4
		for _, c := range nd.children {
			if err := write(uint32(c)); err != nil {
				return n, fmt.Errorf("write child id: %w", err)
			}
			n += 4
		}
	}

	if err := write(uint32(len(v.wordToNode))); err != nil {
		return n, fmt.Errorf("write word count: %w", err)
	}
	n += 4
	for _, nid := range v.wordToNode {
		if err := write(uint32(nid)); err != nil {
			return n, fmt.Errorf("write word node id: %w", err)
		}
		n += 4
	}
	return n, nil
}

// encodeDescriptor returns (tag, payload) for one node descriptor: tag 0
// means payload is the canonical lossless string form; tag 1 means payload
// is this vocabulary's quantizer's compact encoding of a RealDescriptor.
func (v *Vocabulary) encodeDescriptor(d Descriptor) (byte, []byte) {
	if v.quantizer != nil {
		if rd, ok := d.(RealDescriptor); ok {
			return 1, v.quantizer.Encode(rd)
		}
	}
	return 0, []byte(d.String())
}

// ReadFrom reconstructs a vocabulary previously written by WriteTo. The
// receiver must already have its DescriptorFamily and options set via
// NewVocabulary; ReadFrom overwrites k/maxDepth/weighting/scoringKind with
// the persisted values.
func (v *Vocabulary) ReadFrom(r io.Reader) (int64, error) {
	var n int64
	read := func(order ...any) error {
		for _, o := range order {
			if err := binary.Read(r, binary.LittleEndian, o); err != nil {
				return err
			}
		}
		return nil
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return n, fmt.Errorf("%w: read magic: %v", ErrSerialization, err)
	}
	n += 4
	if string(magic) != vocabularyMagic {
		return n, fmt.Errorf("%w: bad magic %q", ErrSerialization, magic)
	}

	var version, k, maxDepth, weighting, scoringKind, quantizerKind, descriptorDim, numNodes uint32
	var absMax float64
	if err := read(&version, &k, &maxDepth, &weighting, &scoringKind, &quantizerKind, &descriptorDim, &absMax, &numNodes); err != nil {
		return n, fmt.Errorf("%w: read header: %v", ErrSerialization, err)
	}
	if version != vocabularyVersion {
		return n, fmt.Errorf("%w: version %d", ErrSerialization, version)
	}
	n += 4*8 + 8

	v.k = int(k)
	v.maxDepth = int(maxDepth)
	v.weighting = WeightingKind(weighting)
	v.scoringKind = ScoringKind(scoringKind)
	scoring, err := NewScoring(v.scoringKind)
	if err != nil {
		return n, err
	}
	v.scoring = scoring
	v.descriptorDim = int(descriptorDim)
	if quantizerKind != disabledQuantizerTag {
		q := NewRealDescriptorQuantizer(PrecisionKind(quantizerKind))
		if iq, ok := q.(*int8Quantizer); ok {
			iq.absMax = absMax
		}
		v.quantizer = q
	} else {
		v.quantizer = nil
	}

	v.nodes = make([]*node, numNodes)
	for i := uint32(0); i < numNodes; i++ {
		var tag byte
		var payloadLen uint32
		if err := read(&tag, &payloadLen); err != nil {
			return n, fmt.Errorf("%w: read node tag: %v", ErrSerialization, err)
		}
		n += 5
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return n, fmt.Errorf("%w: read node payload: %v", ErrSerialization, err)
		}
		n += int64(payloadLen)

		descriptor, err := v.decodeDescriptor(tag, payload)
		if err != nil {
			return n, err
		}

		var parent, numChildren uint32
		var weight float64
		if err := read(&parent, &weight, &numChildren); err != nil {
			return n, fmt.Errorf("%w: read node fields: %v", ErrSerialization, err)
		}
		n += 4 + 8 + 4

		children := make([]NodeID, numChildren)
		for c := range children {
			var cid uint32
			if err := read(&cid); err != nil {
				return n, fmt.Errorf("%w: read child id: %v", ErrSerialization, err)
			}
			n += 4
			children[c] = NodeID(cid)
		}

		nd := &node{id: NodeID(i), parent: NodeID(parent), children: children, descriptor: descriptor, weight: weight, wordID: NoWord}
		v.nodes[i] = nd
	}

	var numWords uint32
	if err := read(&numWords); err != nil {
		return n, fmt.Errorf("%w: read word count: %v", ErrSerialization, err)
	}
	n += 4
	v.wordToNode = make([]NodeID, numWords)
	for i := uint32(0); i < numWords; i++ {
		var nid uint32
		if err := read(&nid); err != nil {
			return n, fmt.Errorf("%w: read word node id: %v", ErrSerialization, err)
		}
		n += 4
		v.wordToNode[i] = NodeID(nid)
		v.nodes[nid].wordID = WordID(i)
	}

	return n, nil
}

func (v *Vocabulary) decodeDescriptor(tag byte, payload []byte) (Descriptor, error) {
	if tag == 1 {
		if v.quantizer == nil {
			return nil, fmt.Errorf("%w: quantized node with no quantizer configured", ErrSerialization)
		}
		rd, err := v.quantizer.Decode(payload, v.descriptorDim)
		if err != nil {
			return nil, err
		}
		return rd, nil
	}
	d, err := v.family.Parse(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return d, nil
}

// Save writes the vocabulary to path as a gzip-compressed binary stream.
func (v *Vocabulary) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := v.WriteTo(gw); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// Load populates the vocabulary (which must already carry its
// DescriptorFamily from NewVocabulary) from a file written by Save.
func (v *Vocabulary) Load(path string) error {
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

	_, err = v.ReadFrom(gr)
	return err
}
