// Package dbow implements the core of a hierarchical, tree-based
// bag-of-words (BoW) visual place-recognition library.
//
// A Vocabulary is built once by recursive k-means clustering over a corpus
// of training descriptors; its leaves are visual words. A Database holds
// an inverted index over Vocabulary words and supports top-k similarity
// queries over previously inserted images, plus an optional direct index
// for cross-image feature correspondence.
//
// # Quick Start
//
//	family := dbow.NewBinaryDescriptorFamily(32) // ORB-sized descriptors
//	voc, err := dbow.NewVocabulary(family, 10, 5, dbow.TFIDF, dbow.L1)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := voc.Create(trainingImages); err != nil {
//	    log.Fatal(err)
//	}
//
//	db := dbow.NewDatabase(voc, true, 2)
//	id, err := db.Add(imageDescriptors)
//	results, err := db.Query(queryDescriptors, 5, nil)
package dbow

import "fmt"

// Descriptor is an opaque fixed-size feature descriptor value. It only
// needs to serialize to a lossless string form; every other operation
// (computing a mean, measuring distance) is provided by the Descriptor's
// DescriptorFamily, not the value itself — mirroring the way DBoW2's F
// template parameter exposes meanValue/distance as static functions
// rather than instance methods.
type Descriptor interface {
	// String returns a lossless text round-trip form of the descriptor.
	String() string
}

// DescriptorFamily groups the three trait operations a Vocabulary needs
// for one concrete descriptor type.
type DescriptorFamily interface {
	// Mean computes the representative descriptor of a non-empty set.
	// For binary descriptors this is a per-bit majority vote; for real
	// descriptors it is the componentwise arithmetic mean.
	Mean(set []Descriptor) Descriptor

	// Distance returns a non-negative, symmetric distance between a and
	// b, with Distance(a, a) == 0.
	Distance(a, b Descriptor) float64

	// Parse reconstructs a descriptor from its String() form.
	Parse(s string) (Descriptor, error)
}

// validateDescriptorSet is a shared guard used by Mean implementations;
// DBoW2's meanValue functions assume a non-empty set and so does this
// port — calling Mean on an empty set is a programmer error, not a
// recoverable runtime condition.
func validateDescriptorSet(set []Descriptor) {
	if len(set) == 0 {
		panic(fmt.Errorf("%w: Mean called on an empty descriptor set", ErrInvalidParameter))
	}
}
