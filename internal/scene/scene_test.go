package scene

import (
	"errors"
	"testing"
)

func TestPairIDRoundTrip(t *testing.T) {
	cases := [][2]ImageID{{1, 2}, {7, 3}, {0, 5}, {2147483646, 2147483645}}
	for _, tc := range cases {
		id := PairIDFromImageIDs(tc[0], tc[1])
		if id != PairIDFromImageIDs(tc[1], tc[0]) {
			t.Fatalf("pair id for %v depends on order", tc)
		}
		a, b := id.ImageIDs()
		lo, hi := tc[0], tc[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		if a != lo || b != hi {
			t.Fatalf("ImageIDs(%d) = %d,%d want %d,%d", id, a, b, lo, hi)
		}
	}
}

func TestViewGraphRejectsDuplicatePairs(t *testing.T) {
	g := NewViewGraph()
	if err := g.AddPair(NewImagePair(3, 7, nil)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.AddPair(NewImagePair(7, 3, nil)); err == nil {
		t.Fatalf("expected duplicate pair to be rejected")
	}
	if err := g.AddPair(NewImagePair(4, 4, nil)); err == nil {
		t.Fatalf("expected self pair to be rejected")
	}
}

func TestValidPairIDsSortedAndFiltered(t *testing.T) {
	g := NewViewGraph()
	for i := ImageID(10); i > 1; i-- {
		p := NewImagePair(1, i, nil)
		if i%3 == 0 {
			p.Invalidate()
		}
		if err := g.AddPair(p); err != nil {
			t.Fatal(err)
		}
	}
	ids := g.ValidPairIDs()
	if len(ids) != g.NumValid() {
		t.Fatalf("ValidPairIDs returned %d ids, NumValid %d", len(ids), g.NumValid())
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("ids not ascending: %v", ids)
		}
	}
	for _, id := range ids {
		if !g.Pair(id).Valid {
			t.Fatalf("invalid pair %d listed", id)
		}
	}
}

func TestCheckMatches(t *testing.T) {
	img1 := &Image{ID: 1, Features: make([][2]float64, 3)}
	img2 := &Image{ID: 2, Features: make([][2]float64, 2)}

	ok := NewImagePair(1, 2, []Match{{0, 0}, {2, 1}})
	if err := CheckMatches(ok, img1, img2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := NewImagePair(1, 2, []Match{{0, 0}, {1, 2}})
	err := CheckMatches(bad, img1, img2)
	var idxErr *IndexError
	if !errors.As(err, &idxErr) {
		t.Fatalf("expected IndexError, got %v", err)
	}
	if idxErr.Image != 2 || idxErr.Index != 2 || idxErr.Match != 1 {
		t.Fatalf("unexpected error fields %+v", idxErr)
	}
}

func TestCameraModels(t *testing.T) {
	m, err := ParseCameraModel("opencv")
	if err != nil || m != ModelOpenCV {
		t.Fatalf("ParseCameraModel(opencv) = %v, %v", m, err)
	}
	if _, err := ParseCameraModel("nope"); err == nil {
		t.Fatalf("expected unknown model error")
	}
	cam := Camera{ID: 1, Model: ModelPinhole, Params: []float64{500, 500, 320}}
	if err := cam.Validate(); err == nil {
		t.Fatalf("expected param count error")
	}
	cam.Params = append(cam.Params, 240)
	if err := cam.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
