package dbow

import (
	"math/rand"
	"testing"
)

func TestKMeansEmptyInputReturnsNil(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	centers, assignment := kmeans(nil, 2, NewBinaryDescriptorFamily(1), 10, rng)
	if centers != nil || assignment != nil {
		t.Errorf("kmeans(nil) = %v, %v; want nil, nil", centers, assignment)
	}
}

func TestKMeansShrinksKToDescriptorCount(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	descs := []Descriptor{BinaryDescriptor{0}, BinaryDescriptor{255}}
	centers, assignment := kmeans(descs, 5, NewBinaryDescriptorFamily(1), 10, rng)
	if len(centers) > len(descs) {
		t.Errorf("len(centers) = %d, want <= %d", len(centers), len(descs))
	}
	if len(assignment) != len(descs) {
		t.Errorf("len(assignment) = %d, want %d", len(assignment), len(descs))
	}
}

func TestKMeansSeparatesDistinctClusters(t *testing.T) {
	family := NewBinaryDescriptorFamily(1)
	descs := []Descriptor{
		BinaryDescriptor{0x00}, BinaryDescriptor{0x00}, BinaryDescriptor{0x01},
		BinaryDescriptor{0xFF}, BinaryDescriptor{0xFF}, BinaryDescriptor{0xFE},
	}
	rng := rand.New(rand.NewSource(3))
	centers, assignment := kmeans(descs, 2, family, DefaultMaxKMeansIter, rng)
	if len(centers) != 2 {
		t.Fatalf("len(centers) = %d, want 2", len(centers))
	}

	lowGroup := assignment[0]
	for i := 0; i < 3; i++ {
		if assignment[i] != lowGroup {
			t.Errorf("low-value descriptor %d assigned to group %d, want group %d (with its neighbors)", i, assignment[i], lowGroup)
		}
	}
	highGroup := assignment[3]
	if highGroup == lowGroup {
		t.Fatal("high-value and low-value clusters collapsed into one group")
	}
	for i := 3; i < 6; i++ {
		if assignment[i] != highGroup {
			t.Errorf("high-value descriptor %d assigned to group %d, want group %d", i, assignment[i], highGroup)
		}
	}
}

func TestKMeansAssignmentMatchesNearestCenter(t *testing.T) {
	family := NewBinaryDescriptorFamily(1)
	descs := []Descriptor{
		BinaryDescriptor{10}, BinaryDescriptor{12}, BinaryDescriptor{200}, BinaryDescriptor{210},
	}
	rng := rand.New(rand.NewSource(42))
	centers, assignment := kmeans(descs, 2, family, DefaultMaxKMeansIter, rng)
	for i, d := range descs {
		want := nearestCenterIndex(d, centers, family)
		if assignment[i] != want {
			t.Errorf("descriptor %d assigned to %d, but nearest center is %d", i, assignment[i], want)
		}
	}
}

func TestNearestCenterIndexTieBreaksToLowestIndex(t *testing.T) {
	family := NewBinaryDescriptorFamily(1)
	d := BinaryDescriptor{0b01010101}
	centers := []Descriptor{BinaryDescriptor{0b01010101}, BinaryDescriptor{0b01010101}}
	if got := nearestCenterIndex(d, centers, family); got != 0 {
		t.Errorf("tie-broken nearestCenterIndex = %d, want 0", got)
	}
}

func TestSeedKMeansPlusPlusCollapsesOnDuplicateDescriptors(t *testing.T) {
	family := NewBinaryDescriptorFamily(1)
	descs := []Descriptor{BinaryDescriptor{7}, BinaryDescriptor{7}, BinaryDescriptor{7}}
	rng := rand.New(rand.NewSource(1))
	centers := seedKMeansPlusPlus(descs, 3, family, rng)
	if len(centers) != 1 {
		t.Errorf("len(centers) = %d, want 1 (all descriptors coincide)", len(centers))
	}
}
