// Package synthetic generates scenes with known relative poses: a cloud of 3D
// points observed by a row of pinhole cameras.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"relpose/internal/posefmt"
	"relpose/internal/scene"
	"relpose/internal/storage"
)

// Options controls scene generation.
type Options struct {
	Images int
	Points int
	// Window links every image to the next Window images.
	Window       int
	OutlierRatio float64
	// Noise is the standard deviation of pixel noise.
	Noise float64
	// UnsupportedCamera gives the last image a FULL_OPENCV camera, which the
	// solver cannot represent.
	UnsupportedCamera bool
	Seed              int64
}

// DefaultOptions is a small scene suitable for tests.
func DefaultOptions() Options {
	return Options{Images: 5, Points: 80, Window: 2, OutlierRatio: 0.1, Noise: 0.2, Seed: 1}
}

// Scene is a generated reconstruction with ground truth.
type Scene struct {
	Cameras []scene.Camera
	Images  []scene.Image
	Pairs   []*scene.ImagePair
	// Truth holds cam2_from_cam1 for every pair, keyed by pair id.
	Truth map[scene.PairID]scene.Rigid3
}

const (
	width  = 640
	height = 480
	focal  = 500.0
)

type camPose struct {
	yaw float64
	r   *mat.Dense
	t   *mat.VecDense
}

func yawQuat(theta float64) scene.Quaternion {
	return scene.Quaternion{0, math.Sin(theta / 2), 0, math.Cos(theta / 2)}
}

// Generate builds a scene from opts.
func Generate(opts Options) *Scene {
	if opts.Images < 2 {
		opts.Images = 2
	}
	if opts.Points < 8 {
		opts.Points = 8
	}
	if opts.Window < 1 {
		opts.Window = 1
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	sc := &Scene{Truth: make(map[scene.PairID]scene.Rigid3)}
	sc.Cameras = append(sc.Cameras, scene.Camera{
		ID: 1, Model: scene.ModelPinhole, Width: width, Height: height,
		Params: []float64{focal, focal, width / 2, height / 2},
	})
	if opts.UnsupportedCamera {
		params := make([]float64, scene.ModelFullOpenCV.NumParams())
		copy(params, []float64{focal, focal, width / 2, height / 2})
		sc.Cameras = append(sc.Cameras, scene.Camera{ID: 2, Model: scene.ModelFullOpenCV, Width: width, Height: height, Params: params})
	}

	world := make([]*mat.VecDense, opts.Points)
	for k := range world {
		world[k] = mat.NewVecDense(3, []float64{rng.Float64()*6 - 3, rng.Float64()*4 - 2, 6 + rng.Float64()*6})
	}

	poses := make([]camPose, opts.Images)
	for i := range poses {
		yaw := -0.04 * float64(i)
		r := posefmt.RotationMatrix(yawQuat(yaw))
		center := mat.NewVecDense(3, []float64{0.5 * float64(i), 0.05 * float64(i%2), 0})
		t := mat.NewVecDense(3, nil)
		t.MulVec(r, center)
		t.ScaleVec(-1, t)
		poses[i] = camPose{yaw: yaw, r: r, t: t}

		cameraID := scene.CameraID(1)
		if opts.UnsupportedCamera && i == opts.Images-1 {
			cameraID = 2
		}
		img := scene.Image{ID: scene.ImageID(i + 1), CameraID: cameraID, Name: fmt.Sprintf("view_%03d.jpg", i+1)}
		x := mat.NewVecDense(3, nil)
		for _, p := range world {
			x.MulVec(r, p)
			x.AddVec(x, t)
			img.Features = append(img.Features, [2]float64{
				focal*x.AtVec(0)/x.AtVec(2) + width/2 + rng.NormFloat64()*opts.Noise,
				focal*x.AtVec(1)/x.AtVec(2) + height/2 + rng.NormFloat64()*opts.Noise,
			})
		}
		sc.Images = append(sc.Images, img)
	}

	for i := 0; i < opts.Images; i++ {
		for j := i + 1; j <= i+opts.Window && j < opts.Images; j++ {
			id1, id2 := scene.ImageID(i+1), scene.ImageID(j+1)
			matches := make([]scene.Match, opts.Points)
			for k := range matches {
				f2 := k
				if rng.Float64() < opts.OutlierRatio {
					f2 = rng.Intn(opts.Points)
				}
				matches[k] = scene.Match{Feature1: k, Feature2: f2}
			}
			p := scene.NewImagePair(id1, id2, matches)
			sc.Pairs = append(sc.Pairs, p)
			sc.Truth[p.ID()] = relative(poses[i], poses[j])
		}
	}
	return sc
}

// relative returns cam_b_from_cam_a for two cam_from_world poses.
func relative(a, b camPose) scene.Rigid3 {
	rRel := posefmt.RotationMatrix(yawQuat(b.yaw - a.yaw))
	t := mat.NewVecDense(3, nil)
	t.MulVec(rRel, a.t)
	t.SubVec(b.t, t)
	return scene.Rigid3{
		Rotation:    yawQuat(b.yaw - a.yaw),
		Translation: [3]float64{t.AtVec(0), t.AtVec(1), t.AtVec(2)},
	}
}

// ViewGraph returns a fresh graph holding copies of the generated pairs.
func (s *Scene) ViewGraph() *scene.ViewGraph {
	vg := scene.NewViewGraph()
	for _, p := range s.Pairs {
		cp := scene.NewImagePair(p.ImageID1, p.ImageID2, append([]scene.Match(nil), p.Matches...))
		vg.Pairs[cp.ID()] = cp
	}
	return vg
}

// CameraMap indexes the cameras by id.
func (s *Scene) CameraMap() map[scene.CameraID]scene.Camera {
	out := make(map[scene.CameraID]scene.Camera, len(s.Cameras))
	for _, c := range s.Cameras {
		out[c.ID] = c
	}
	return out
}

// ImageMap indexes the images by id.
func (s *Scene) ImageMap() map[scene.ImageID]*scene.Image {
	out := make(map[scene.ImageID]*scene.Image, len(s.Images))
	for i := range s.Images {
		out[s.Images[i].ID] = &s.Images[i]
	}
	return out
}

// Populate writes the scene into store.
func (s *Scene) Populate(ctx context.Context, store *storage.Store) error {
	for _, c := range s.Cameras {
		if _, err := store.WriteCamera(ctx, c); err != nil {
			return fmt.Errorf("camera %d: %w", c.ID, err)
		}
	}
	for _, img := range s.Images {
		if _, err := store.WriteImage(ctx, img); err != nil {
			return fmt.Errorf("image %d: %w", img.ID, err)
		}
	}
	for _, p := range s.Pairs {
		if err := store.WriteMatches(ctx, p.ImageID1, p.ImageID2, p.Matches); err != nil {
			return fmt.Errorf("pair %d: %w", p.ID(), err)
		}
	}
	return nil
}
