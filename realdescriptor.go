package dbow

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RealDescriptor is a fixed-length real-valued feature descriptor
// (e.g. SIFT/SURF style float descriptors), stored as a float64 slice.
type RealDescriptor []float64

// String returns the descriptor as space-separated floats.
func (d RealDescriptor) String() string {
	sb := strings.Builder{}
	for i, v := range d {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}

// RealDistanceKind selects the metric a realDescriptorFamily uses. It is
// fixed per adapter instance, per spec: "L2 or L1 (implementation-defined
// but fixed per descriptor type)".
type RealDistanceKind int

const (
	RealL2 RealDistanceKind = iota
	RealL1
)

type realDescriptorFamily struct {
	length int
	metric RealDistanceKind
}

// NewRealDescriptorFamily returns a DescriptorFamily for real-valued
// descriptors of the given dimensionality, using the given fixed metric.
func NewRealDescriptorFamily(length int, metric RealDistanceKind) DescriptorFamily {
	if length <= 0 {
		panic(fmt.Errorf("%w: real descriptor length must be positive, got %d", ErrInvalidParameter, length))
	}
	return &realDescriptorFamily{length: length, metric: metric}
}

func (f *realDescriptorFamily) Distance(a, b Descriptor) float64 {
	da, ok1 := a.(RealDescriptor)
	db, ok2 := b.(RealDescriptor)
	if !ok1 || !ok2 {
		panic(fmt.Errorf("%w: realDescriptorFamily.Distance requires RealDescriptor operands", ErrInvalidParameter))
	}
	switch f.metric {
	case RealL1:
		var sum float64
		for i := range da {
			sum += math.Abs(da[i] - db[i])
		}
		return sum
	default:
		var sum float64
		for i := range da {
			diff := da[i] - db[i]
			sum += diff * diff
		}
		return math.Sqrt(sum)
	}
}

// Mean computes the componentwise arithmetic mean over the set.
func (f *realDescriptorFamily) Mean(set []Descriptor) Descriptor {
	validateDescriptorSet(set)

	sum := make(RealDescriptor, f.length)
	for _, d := range set {
		rd, ok := d.(RealDescriptor)
		if !ok {
			panic(fmt.Errorf("%w: realDescriptorFamily.Mean requires RealDescriptor operands", ErrInvalidParameter))
		}
		for i, v := range rd {
			sum[i] += v
		}
	}
	n := float64(len(set))
	for i := range sum {
		sum[i] /= n
	}
	return sum
}

// Parse reconstructs a RealDescriptor from its space-separated float
// string form.
func (f *realDescriptorFamily) Parse(s string) (Descriptor, error) {
	fields := strings.Fields(s)
	if len(fields) != f.length {
		return nil, fmt.Errorf("%w: real descriptor string has %d values, want %d", ErrSerialization, len(fields), f.length)
	}
	d := make(RealDescriptor, f.length)
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid float value %q at position %d", ErrSerialization, field, i)
		}
		d[i] = v
	}
	return d, nil
}
