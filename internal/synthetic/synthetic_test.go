package synthetic

import (
	"math"
	"testing"

	"relpose/internal/posefmt"
	"relpose/internal/scene"
)

func TestGenerateLayout(t *testing.T) {
	opts := Options{Images: 4, Points: 20, Window: 2, Seed: 3}
	sc := Generate(opts)

	if len(sc.Images) != 4 || len(sc.Cameras) != 1 {
		t.Fatalf("got %d images %d cameras", len(sc.Images), len(sc.Cameras))
	}
	// (1,2) (1,3) (2,3) (2,4) (3,4)
	if len(sc.Pairs) != 5 || len(sc.Truth) != 5 {
		t.Fatalf("got %d pairs", len(sc.Pairs))
	}
	for _, img := range sc.Images {
		if len(img.Features) != 20 {
			t.Fatalf("image %d has %d features", img.ID, len(img.Features))
		}
	}
	vg := sc.ViewGraph()
	if vg.NumValid() != 5 {
		t.Fatalf("view graph has %d valid pairs", vg.NumValid())
	}
	for _, p := range sc.Pairs {
		img1, img2 := sc.ImageMap()[p.ImageID1], sc.ImageMap()[p.ImageID2]
		if err := scene.CheckMatches(p, img1, img2); err != nil {
			t.Fatal(err)
		}
	}
}

// Noise-free correspondences must satisfy the epipolar constraint of the
// ground truth pose.
func TestGenerateTruthIsConsistent(t *testing.T) {
	sc := Generate(Options{Images: 3, Points: 30, Window: 1, Seed: 9})
	images := sc.ImageMap()
	for _, p := range sc.Pairs {
		truth := sc.Truth[p.ID()]
		r := posefmt.RotationMatrix(truth.Rotation)
		tx := truth.Translation
		for _, m := range p.Matches {
			a := images[p.ImageID1].Features[m.Feature1]
			b := images[p.ImageID2].Features[m.Feature2]
			x1 := [3]float64{(a[0] - width/2) / focal, (a[1] - height/2) / focal, 1}
			x2 := [3]float64{(b[0] - width/2) / focal, (b[1] - height/2) / focal, 1}
			var rx [3]float64
			for i := 0; i < 3; i++ {
				rx[i] = r.At(i, 0)*x1[0] + r.At(i, 1)*x1[1] + r.At(i, 2)*x1[2]
			}
			// x2 . (t x R x1)
			c := [3]float64{tx[1]*rx[2] - tx[2]*rx[1], tx[2]*rx[0] - tx[0]*rx[2], tx[0]*rx[1] - tx[1]*rx[0]}
			if e := x2[0]*c[0] + x2[1]*c[1] + x2[2]*c[2]; math.Abs(e) > 1e-9 {
				t.Fatalf("pair %d violates epipolar constraint: %g", p.ID(), e)
			}
		}
	}
}

func TestGenerateUnsupportedCamera(t *testing.T) {
	sc := Generate(Options{Images: 3, Points: 10, UnsupportedCamera: true})
	if len(sc.Cameras) != 2 {
		t.Fatalf("expected a second camera")
	}
	if sc.Images[2].CameraID != 2 {
		t.Fatalf("last image uses camera %d", sc.Images[2].CameraID)
	}
}
