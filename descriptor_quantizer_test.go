package dbow

import "testing"

func TestFullPrecisionQuantizerRoundTrip(t *testing.T) {
	q := NewRealDescriptorQuantizer(FullPrecision)
	d := RealDescriptor{1.5, -2.25, 100.125}
	encoded := q.Encode(d)
	got, err := q.Decode(encoded, len(d))
	if err != nil {
		t.Fatal(err)
	}
	for i := range d {
		if !approxEqual(got[i], d[i], 1e-6) {
			t.Errorf("component %d = %v, want %v", i, got[i], d[i])
		}
	}
}

func TestHalfPrecisionQuantizerRoundTripLossy(t *testing.T) {
	q := NewRealDescriptorQuantizer(HalfPrecision)
	d := RealDescriptor{1.5, -2.25, 0}
	encoded := q.Encode(d)
	if len(encoded) != 2*len(d) {
		t.Fatalf("len(encoded) = %d, want %d", len(encoded), 2*len(d))
	}
	got, err := q.Decode(encoded, len(d))
	if err != nil {
		t.Fatal(err)
	}
	for i := range d {
		if !approxEqual(got[i], d[i], 1e-2) {
			t.Errorf("component %d = %v, want ~%v", i, got[i], d[i])
		}
	}
}

func TestInt8QuantizerRoundTripAfterTraining(t *testing.T) {
	q := NewRealDescriptorQuantizer(Int8Precision)
	samples := []RealDescriptor{{1, -4}, {2, 8}, {-8, 0}}
	q.Train(samples)

	d := RealDescriptor{4, -8}
	encoded := q.Encode(d)
	if len(encoded) != len(d) {
		t.Fatalf("len(encoded) = %d, want %d", len(encoded), len(d))
	}
	got, err := q.Decode(encoded, len(d))
	if err != nil {
		t.Fatal(err)
	}
	for i := range d {
		if !approxEqual(got[i], d[i], 0.2) {
			t.Errorf("component %d = %v, want ~%v", i, got[i], d[i])
		}
	}
}

func TestInt8QuantizerUntrainedEncodesToZero(t *testing.T) {
	q := NewRealDescriptorQuantizer(Int8Precision)
	encoded := q.Encode(RealDescriptor{5, -5})
	for _, b := range encoded {
		if b != 0 {
			t.Errorf("untrained int8 quantizer encoded non-zero byte %d", b)
		}
	}
}

func TestQuantizerDecodeRejectsWrongLength(t *testing.T) {
	q := NewRealDescriptorQuantizer(FullPrecision)
	if _, err := q.Decode([]byte{1, 2, 3}, 2); err == nil {
		t.Fatal("expected error for malformed payload length")
	}
}

func TestNewRealDescriptorQuantizerKindMatches(t *testing.T) {
	for _, kind := range []PrecisionKind{FullPrecision, HalfPrecision, Int8Precision} {
		if got := NewRealDescriptorQuantizer(kind).Kind(); got != kind {
			t.Errorf("Kind() = %v, want %v", got, kind)
		}
	}
}
