package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"relpose/internal/posefmt"
	"relpose/internal/scene"
)

// Two-view geometry configurations, numbered as in the scene database format.
const (
	ConfigUndefined  = 0
	ConfigDegenerate = 1
	ConfigCalibrated = 2
)

// GeometryReader reads previously computed relative poses.
type GeometryReader interface {
	// ReadTwoViewGeometry returns cam2_from_cam1 for the ordered pair
	// (id1, id2), or ErrNotFound.
	ReadTwoViewGeometry(ctx context.Context, id1, id2 scene.ImageID) (scene.Rigid3, error)
}

// Scene is the in-memory content of a scene database.
type Scene struct {
	Graph   *scene.ViewGraph
	Cameras map[scene.CameraID]scene.Camera
	Images  map[scene.ImageID]*scene.Image
}

// WriteCamera inserts or replaces cam. A zero ID lets the database assign one.
func (s *Store) WriteCamera(ctx context.Context, cam scene.Camera) (scene.CameraID, error) {
	if s == nil {
		return 0, errNoStore
	}
	if err := cam.Validate(); err != nil {
		return 0, err
	}
	params := encodeFloat64s(cam.Params)
	if cam.ID == 0 {
		res, err := s.DB.ExecContext(ctx, `INSERT INTO cameras (model, width, height, params) VALUES (?, ?, ?, ?);`,
			int(cam.Model), cam.Width, cam.Height, params)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		return scene.CameraID(id), err
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO cameras (camera_id, model, width, height, params) VALUES (?, ?, ?, ?, ?);`,
		int64(cam.ID), int(cam.Model), cam.Width, cam.Height, params)
	return cam.ID, err
}

// WriteImage inserts or replaces img together with its keypoints.
func (s *Store) WriteImage(ctx context.Context, img scene.Image) (scene.ImageID, error) {
	if s == nil {
		return 0, errNoStore
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id := img.ID
	if id == 0 {
		res, err := tx.ExecContext(ctx, `INSERT INTO images (name, camera_id) VALUES (?, ?);`, img.Name, int64(img.CameraID))
		if err != nil {
			return 0, fmt.Errorf("insert image %q: %w", img.Name, err)
		}
		last, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		id = scene.ImageID(last)
	} else if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO images (image_id, name, camera_id) VALUES (?, ?, ?);`,
		int64(id), img.Name, int64(img.CameraID)); err != nil {
		return 0, fmt.Errorf("insert image %q: %w", img.Name, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO keypoints (image_id, rows, cols, data) VALUES (?, ?, 2, ?);`,
		int64(id), len(img.Features), encodeKeypoints(img.Features)); err != nil {
		return 0, fmt.Errorf("insert keypoints of image %d: %w", id, err)
	}
	return id, tx.Commit()
}

// canonical orders feature index pairs from the smaller to the larger image id.
func canonical(id1, id2 scene.ImageID, matches []scene.Match) [][2]uint32 {
	out := make([][2]uint32, len(matches))
	for i, m := range matches {
		if id1 > id2 {
			out[i] = [2]uint32{uint32(m.Feature2), uint32(m.Feature1)}
		} else {
			out[i] = [2]uint32{uint32(m.Feature1), uint32(m.Feature2)}
		}
	}
	return out
}

// WriteMatches stores the correspondences between id1 and id2. Feature1 of
// every match indexes id1.
func (s *Store) WriteMatches(ctx context.Context, id1, id2 scene.ImageID, matches []scene.Match) error {
	if s == nil {
		return errNoStore
	}
	if id1 == id2 {
		return fmt.Errorf("matches of image %d with itself", id1)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO matches (pair_id, rows, cols, data) VALUES (?, ?, 2, ?);`,
		int64(scene.PairIDFromImageIDs(id1, id2)), len(matches), encodeMatches(canonical(id1, id2, matches)))
	return err
}

// Geometry is a relative pose to persist for the ordered pair
// (ImageID1, ImageID2) together with its inlier correspondences.
type Geometry struct {
	ImageID1 scene.ImageID
	ImageID2 scene.ImageID
	Pose     scene.Rigid3
	Inliers  []scene.Match
}

// WriteTwoViewGeometry persists pose as the cam2_from_cam1 transform of the
// ordered pair (id1, id2) with its inlier correspondences. Rows are always
// stored from the smaller to the larger image id.
func (s *Store) WriteTwoViewGeometry(ctx context.Context, id1, id2 scene.ImageID, pose scene.Rigid3, inliers []scene.Match) error {
	return s.WriteTwoViewGeometries(ctx, []Geometry{{ImageID1: id1, ImageID2: id2, Pose: pose, Inliers: inliers}})
}

// WriteTwoViewGeometries persists gs in a single transaction.
func (s *Store) WriteTwoViewGeometries(ctx context.Context, gs []Geometry) error {
	if s == nil {
		return errNoStore
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO two_view_geometries (pair_id, rows, cols, data, config, qvec, tvec) VALUES (?, ?, 2, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, g := range gs {
		if g.ImageID1 == g.ImageID2 {
			return fmt.Errorf("geometry of image %d with itself", g.ImageID1)
		}
		pose := g.Pose
		if g.ImageID1 > g.ImageID2 {
			pose = posefmt.Inverse(pose)
		}
		q := posefmt.QuatToSolver(pose.Rotation)
		if _, err := stmt.ExecContext(ctx, int64(scene.PairIDFromImageIDs(g.ImageID1, g.ImageID2)), len(g.Inliers),
			encodeMatches(canonical(g.ImageID1, g.ImageID2, g.Inliers)), ConfigCalibrated,
			encodeFloat64s(q[:]), encodeFloat64s(pose.Translation[:])); err != nil {
			return fmt.Errorf("write geometry %d-%d: %w", g.ImageID1, g.ImageID2, err)
		}
	}
	return tx.Commit()
}

// ReadTwoViewGeometry implements GeometryReader.
func (s *Store) ReadTwoViewGeometry(ctx context.Context, id1, id2 scene.ImageID) (scene.Rigid3, error) {
	if s == nil {
		return scene.Rigid3{}, errNoStore
	}
	var qblob, tblob []byte
	err := s.DB.QueryRowContext(ctx, `SELECT qvec, tvec FROM two_view_geometries WHERE pair_id=?;`,
		int64(scene.PairIDFromImageIDs(id1, id2))).Scan(&qblob, &tblob)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (qblob == nil || tblob == nil)) {
		return scene.Rigid3{}, fmt.Errorf("two-view geometry %d-%d: %w", id1, id2, ErrNotFound)
	}
	if err != nil {
		return scene.Rigid3{}, err
	}

	q, err := decodeFloat64s(qblob)
	if err != nil || len(q) != 4 {
		return scene.Rigid3{}, fmt.Errorf("two-view geometry %d-%d: malformed qvec", id1, id2)
	}
	t, err := decodeFloat64s(tblob)
	if err != nil || len(t) != 3 {
		return scene.Rigid3{}, fmt.Errorf("two-view geometry %d-%d: malformed tvec", id1, id2)
	}
	pose := scene.Rigid3{
		Rotation:    posefmt.QuatFromSolver([4]float64{q[0], q[1], q[2], q[3]}),
		Translation: [3]float64{t[0], t[1], t[2]},
	}
	if id1 > id2 {
		pose = posefmt.Inverse(pose)
	}
	return pose, nil
}

// LoadScene reads cameras, images with keypoints, and matches. Every pair
// with at least one correspondence becomes a valid view graph pair oriented
// from the smaller to the larger image id.
func (s *Store) LoadScene(ctx context.Context) (*Scene, error) {
	if s == nil {
		return nil, errNoStore
	}
	var (
		cameras map[scene.CameraID]scene.Camera
		images  map[scene.ImageID]*scene.Image
		matches map[scene.PairID][][2]uint32
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		cameras, err = s.loadCameras(ctx)
		return err
	})
	g.Go(func() (err error) {
		images, err = s.loadImages(ctx)
		return err
	})
	g.Go(func() (err error) {
		matches, err = s.loadMatches(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	graph := scene.NewViewGraph()
	for pid, rows := range matches {
		if len(rows) == 0 {
			continue
		}
		id1, id2 := pid.ImageIDs()
		ms := make([]scene.Match, len(rows))
		for i, r := range rows {
			ms[i] = scene.Match{Feature1: int(r[0]), Feature2: int(r[1])}
		}
		if err := graph.AddPair(scene.NewImagePair(id1, id2, ms)); err != nil {
			return nil, err
		}
	}
	return &Scene{Graph: graph, Cameras: cameras, Images: images}, nil
}

func (s *Store) loadCameras(ctx context.Context) (map[scene.CameraID]scene.Camera, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT camera_id, model, width, height, params FROM cameras;`)
	if err != nil {
		return nil, fmt.Errorf("load cameras: %w", err)
	}
	defer rows.Close()

	out := make(map[scene.CameraID]scene.Camera)
	for rows.Next() {
		var (
			id, model     int64
			width, height int
			blob          []byte
		)
		if err := rows.Scan(&id, &model, &width, &height, &blob); err != nil {
			return nil, err
		}
		params, err := decodeFloat64s(blob)
		if err != nil {
			return nil, fmt.Errorf("camera %d: %w", id, err)
		}
		out[scene.CameraID(id)] = scene.Camera{
			ID:     scene.CameraID(id),
			Model:  scene.CameraModel(model),
			Width:  width,
			Height: height,
			Params: params,
		}
	}
	return out, rows.Err()
}

func (s *Store) loadImages(ctx context.Context) (map[scene.ImageID]*scene.Image, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT i.image_id, i.name, i.camera_id, k.rows, k.cols, k.data
        FROM images i LEFT JOIN keypoints k ON k.image_id = i.image_id;`)
	if err != nil {
		return nil, fmt.Errorf("load images: %w", err)
	}
	defer rows.Close()

	out := make(map[scene.ImageID]*scene.Image)
	for rows.Next() {
		var (
			id, cameraID int64
			name         string
			nrows, ncols sql.NullInt64
			blob         []byte
		)
		if err := rows.Scan(&id, &name, &cameraID, &nrows, &ncols, &blob); err != nil {
			return nil, err
		}
		img := &scene.Image{ID: scene.ImageID(id), CameraID: scene.CameraID(cameraID), Name: name}
		if nrows.Valid && nrows.Int64 > 0 {
			img.Features, err = decodeKeypoints(blob, int(nrows.Int64), int(ncols.Int64))
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", id, err)
			}
		}
		out[img.ID] = img
	}
	return out, rows.Err()
}

func (s *Store) loadMatches(ctx context.Context) (map[scene.PairID][][2]uint32, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT pair_id, rows, cols, data FROM matches WHERE rows > 0;`)
	if err != nil {
		return nil, fmt.Errorf("load matches: %w", err)
	}
	defer rows.Close()

	out := make(map[scene.PairID][][2]uint32)
	for rows.Next() {
		var (
			pid          int64
			nrows, ncols int
			blob         []byte
		)
		if err := rows.Scan(&pid, &nrows, &ncols, &blob); err != nil {
			return nil, err
		}
		m, err := decodeMatches(blob, nrows, ncols)
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", pid, err)
		}
		out[scene.PairID(pid)] = m
	}
	return out, rows.Err()
}
