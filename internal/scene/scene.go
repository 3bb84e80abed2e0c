package scene

import (
	"fmt"
	"sort"
)

// ImageID identifies an image in the reconstruction.
type ImageID uint32

// CameraID identifies a set of camera intrinsics shared by one or more images.
type CameraID uint32

// PairID identifies an unordered pair of images.
type PairID uint64

// maxImageID matches the pair id encoding used by the scene database.
const maxImageID = 2147483647

// PairIDFromImageIDs returns the order-independent id for two images.
func PairIDFromImageIDs(a, b ImageID) PairID {
	if a > b {
		a, b = b, a
	}
	return PairID(uint64(a)*maxImageID + uint64(b))
}

// ImageIDs splits a pair id into its smaller and larger image id.
func (id PairID) ImageIDs() (ImageID, ImageID) {
	b := ImageID(uint64(id) % maxImageID)
	a := ImageID((uint64(id) - uint64(b)) / maxImageID)
	return a, b
}

// Quaternion holds rotation coefficients in (x, y, z, w) order.
type Quaternion [4]float64

// IdentityQuaternion is the zero rotation.
var IdentityQuaternion = Quaternion{0, 0, 0, 1}

// Rigid3 is the cam2_from_cam1 transform of a pair.
type Rigid3 struct {
	Rotation    Quaternion `json:"rotation" yaml:"rotation"`
	Translation [3]float64 `json:"translation" yaml:"translation"`
}

// Match is one correspondence: a feature index into each image.
type Match struct {
	Feature1 int
	Feature2 int
}

// ImagePair caches the correspondences between two images and the relative
// pose computed from them.
type ImagePair struct {
	ImageID1 ImageID
	ImageID2 ImageID
	Matches  []Match
	Valid    bool

	// Pose is meaningful only when HasPose is set.
	Pose    Rigid3
	HasPose bool
	Inliers []bool
}

// NewImagePair returns a valid pair without a pose.
func NewImagePair(id1, id2 ImageID, matches []Match) *ImagePair {
	return &ImagePair{ImageID1: id1, ImageID2: id2, Matches: matches, Valid: true}
}

// ID returns the pair id.
func (p *ImagePair) ID() PairID {
	return PairIDFromImageIDs(p.ImageID1, p.ImageID2)
}

// SetPose records the relative pose. It is written once per run.
func (p *ImagePair) SetPose(pose Rigid3) {
	p.Pose = pose
	p.HasPose = true
}

// Invalidate marks the pair as unusable for downstream stages.
func (p *ImagePair) Invalidate() {
	p.Valid = false
}

// ViewGraph is the set of image pairs of a reconstruction.
type ViewGraph struct {
	Pairs map[PairID]*ImagePair
}

// NewViewGraph returns an empty graph.
func NewViewGraph() *ViewGraph {
	return &ViewGraph{Pairs: make(map[PairID]*ImagePair)}
}

// AddPair inserts p. A second pair for the same two images is rejected.
func (g *ViewGraph) AddPair(p *ImagePair) error {
	if p.ImageID1 == p.ImageID2 {
		return fmt.Errorf("pair references image %d twice", p.ImageID1)
	}
	id := p.ID()
	if _, exists := g.Pairs[id]; exists {
		return fmt.Errorf("duplicate pair %d-%d", p.ImageID1, p.ImageID2)
	}
	g.Pairs[id] = p
	return nil
}

// Pair returns the pair for id, or nil.
func (g *ViewGraph) Pair(id PairID) *ImagePair {
	return g.Pairs[id]
}

// ValidPairIDs lists the ids of valid pairs in ascending order.
func (g *ViewGraph) ValidPairIDs() []PairID {
	ids := make([]PairID, 0, len(g.Pairs))
	for id, p := range g.Pairs {
		if p.Valid {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumValid counts valid pairs.
func (g *ViewGraph) NumValid() int {
	n := 0
	for _, p := range g.Pairs {
		if p.Valid {
			n++
		}
	}
	return n
}

// Image is a registered image and its 2D feature locations.
type Image struct {
	ID       ImageID
	CameraID CameraID
	Name     string
	Features [][2]float64
}

// IndexError reports a correspondence that points outside an image's features.
type IndexError struct {
	Pair    PairID
	Match   int
	Image   ImageID
	Index   int
	NumFeat int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("pair %d: match %d references feature %d of image %d which has %d features",
		e.Pair, e.Match, e.Index, e.Image, e.NumFeat)
}

// CheckMatches verifies every correspondence of p is within the feature lists
// of img1 and img2.
func CheckMatches(p *ImagePair, img1, img2 *Image) error {
	n1, n2 := len(img1.Features), len(img2.Features)
	for i, m := range p.Matches {
		if m.Feature1 < 0 || m.Feature1 >= n1 {
			return &IndexError{Pair: p.ID(), Match: i, Image: img1.ID, Index: m.Feature1, NumFeat: n1}
		}
		if m.Feature2 < 0 || m.Feature2 >= n2 {
			return &IndexError{Pair: p.ID(), Match: i, Image: img2.ID, Index: m.Feature2, NumFeat: n2}
		}
	}
	return nil
}
