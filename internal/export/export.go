// Package export renders the resolved pairs of a run as a YAML or JSON report.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"relpose/internal/fsutil"
	"relpose/internal/posefmt"
	"relpose/internal/relpose"
	"relpose/internal/scene"
)

// Format is an output encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat resolves a format name; an empty name is inferred from path.
func ParseFormat(name, path string) (Format, error) {
	if name == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			return FormatJSON, nil
		default:
			return FormatYAML, nil
		}
	}
	switch Format(strings.ToLower(name)) {
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown export format %q", name)
}

// Pair is the exported state of one image pair.
type Pair struct {
	PairID         uint64        `json:"pair_id" yaml:"pair_id"`
	ImageID1       uint32        `json:"image_id1" yaml:"image_id1"`
	ImageID2       uint32        `json:"image_id2" yaml:"image_id2"`
	Valid          bool          `json:"valid" yaml:"valid"`
	Matches        int           `json:"matches" yaml:"matches"`
	Inliers        int           `json:"inliers,omitempty" yaml:"inliers,omitempty"`
	Pose           *scene.Rigid3 `json:"pose,omitempty" yaml:"pose,omitempty"`
	RotationMatrix [][]float64   `json:"rotation_matrix,omitempty" yaml:"rotation_matrix,omitempty,flow"`
}

// Report is the document written by Write.
type Report struct {
	RunID       string         `json:"run_id" yaml:"run_id"`
	Mode        string         `json:"mode" yaml:"mode"`
	GeneratedAt time.Time      `json:"generated_at" yaml:"generated_at"`
	Summary     map[string]any `json:"summary" yaml:"summary"`
	Pairs       []Pair         `json:"pairs" yaml:"pairs"`
}

// Build collects every pair of vg, ordered by pair id.
func Build(vg *scene.ViewGraph, summary relpose.Summary) Report {
	rep := Report{
		RunID:       summary.RunID,
		Mode:        string(summary.Mode),
		GeneratedAt: time.Now().UTC(),
		Summary:     summary.Map(),
	}
	ids := make([]scene.PairID, 0, len(vg.Pairs))
	for id := range vg.Pairs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := vg.Pairs[id]
		out := Pair{
			PairID:   uint64(id),
			ImageID1: uint32(p.ImageID1),
			ImageID2: uint32(p.ImageID2),
			Valid:    p.Valid,
			Matches:  len(p.Matches),
		}
		for _, in := range p.Inliers {
			if in {
				out.Inliers++
			}
		}
		if p.Valid && p.HasPose {
			pose := p.Pose
			out.Pose = &pose
			r := posefmt.RotationMatrix(pose.Rotation)
			for row := 0; row < 3; row++ {
				out.RotationMatrix = append(out.RotationMatrix, []float64{r.At(row, 0), r.At(row, 1), r.At(row, 2)})
			}
		}
		rep.Pairs = append(rep.Pairs, out)
	}
	return rep
}

// Encode writes rep to w.
func Encode(w io.Writer, format Format, rep Report) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown export format %q", format)
}

// Write encodes rep and atomically replaces path with it.
func Write(path string, format Format, rep Report) error {
	var buf bytes.Buffer
	if err := Encode(&buf, format, rep); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
