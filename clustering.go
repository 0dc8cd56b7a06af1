package dbow

import "math/rand"

// DefaultMaxKMeansIter is the default bound on Lloyd iterations per
// vocabulary tree split.
const DefaultMaxKMeansIter = 10

// kmeans clusters descriptors into at most k groups using k-means++
// seeding followed by bounded Lloyd iteration, both family-agnostic
// (operating purely through family.Distance/family.Mean). It returns the
// final centers and, for each input descriptor, the index of its
// assigned center.
//
// Seeding: the first center is picked uniformly at random; each
// subsequent center is picked with probability proportional to its
// squared distance to the nearest already-chosen center (D² sampling).
// If every remaining descriptor has distance 0 to some already-chosen
// center — a collapsed cluster, typically caused by many duplicate
// descriptors — seeding stops early and the effective k shrinks to the
// number of centers actually chosen.
//
// Assignment: Lloyd's algorithm assigns each descriptor to the nearest
// center (ties broken by lowest center index) and recomputes centers via
// family.Mean, iterating until assignments stabilize or maxIter is
// reached.
func kmeans(descriptors []Descriptor, k int, family DescriptorFamily, maxIter int, rng *rand.Rand) (centers []Descriptor, assignment []int) {
	if len(descriptors) == 0 || k <= 0 {
		return nil, nil
	}
	if k > len(descriptors) {
		k = len(descriptors)
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxKMeansIter
	}

	centers = seedKMeansPlusPlus(descriptors, k, family, rng)
	k = len(centers) // seeding may have reduced k on a collapsed cluster

	assignment = make([]int, len(descriptors))
	for i := range assignment {
		assignment[i] = -1
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, d := range descriptors {
			nearest := nearestCenterIndex(d, centers, family)
			if assignment[i] != nearest {
				assignment[i] = nearest
				changed = true
			}
		}
		if !changed {
			break
		}

		groups := make([][]Descriptor, k)
		for i, d := range descriptors {
			groups[assignment[i]] = append(groups[assignment[i]], d)
		}
		for c, group := range groups {
			if len(group) > 0 {
				centers[c] = family.Mean(group)
			}
			// An empty cluster keeps its previous center.
		}
	}

	return centers, assignment
}

// nearestCenterIndex returns the index of the center closest to d, ties
// broken by lowest index.
func nearestCenterIndex(d Descriptor, centers []Descriptor, family DescriptorFamily) int {
	best := 0
	bestDist := family.Distance(d, centers[0])
	for i := 1; i < len(centers); i++ {
		dist := family.Distance(d, centers[i])
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return best
}

// seedKMeansPlusPlus implements modified k-means++ seeding: uniform
// choice for the first center, D²-weighted sampling for the rest, with
// early termination on a fully collapsed remainder.
func seedKMeansPlusPlus(descriptors []Descriptor, k int, family DescriptorFamily, rng *rand.Rand) []Descriptor {
	n := len(descriptors)
	centers := make([]Descriptor, 0, k)
	centers = append(centers, descriptors[rng.Intn(n)])

	minDistSq := make([]float64, n)
	for i, d := range descriptors {
		dist := family.Distance(d, centers[0])
		minDistSq[i] = dist * dist
	}

	for len(centers) < k {
		var total float64
		for _, v := range minDistSq {
			total += v
		}
		if total == 0 {
			// Every remaining descriptor coincides with an already-chosen
			// center: the cluster has collapsed. Stop seeding early and
			// let the caller's k shrink to len(centers).
			break
		}

		target := rng.Float64() * total
		var cum float64
		chosen := n - 1
		for i, v := range minDistSq {
			cum += v
			if cum >= target {
				chosen = i
				break
			}
		}

		next := descriptors[chosen]
		centers = append(centers, next)

		for i, d := range descriptors {
			dist := family.Distance(d, next)
			sq := dist * dist
			if sq < minDistSq[i] {
				minDistSq[i] = sq
			}
		}
	}

	return centers
}
