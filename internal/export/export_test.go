package export

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"relpose/internal/relpose"
	"relpose/internal/scene"
)

func sampleGraph(t *testing.T) *scene.ViewGraph {
	t.Helper()
	vg := scene.NewViewGraph()
	resolved := scene.NewImagePair(1, 2, make([]scene.Match, 3))
	resolved.SetPose(scene.Rigid3{Rotation: scene.IdentityQuaternion, Translation: [3]float64{0, 0, 1}})
	resolved.Inliers = []bool{true, false, true}
	dropped := scene.NewImagePair(2, 5, make([]scene.Match, 9))
	dropped.Invalidate()
	require.NoError(t, vg.AddPair(dropped))
	require.NoError(t, vg.AddPair(resolved))
	return vg
}

func TestBuild(t *testing.T) {
	rep := Build(sampleGraph(t), relpose.Summary{RunID: "r1", Mode: relpose.ModeEstimate, Estimated: 1, Invalidated: 1})
	require.Len(t, rep.Pairs, 2)
	assert.Equal(t, "r1", rep.RunID)

	first := rep.Pairs[0]
	assert.Equal(t, uint32(1), first.ImageID1)
	assert.Equal(t, 2, first.Inliers)
	require.NotNil(t, first.Pose)
	assert.Equal(t, [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, first.RotationMatrix)

	second := rep.Pairs[1]
	assert.False(t, second.Valid)
	assert.Nil(t, second.Pose)
	assert.Equal(t, 9, second.Matches)
}

func TestEncodeYAML(t *testing.T) {
	rep := Build(sampleGraph(t), relpose.Summary{RunID: "r1", Mode: relpose.ModeLoad})
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FormatYAML, rep))

	var decoded Report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "load", decoded.Mode)
	require.Len(t, decoded.Pairs, 2)
	assert.Equal(t, rep.Pairs[0].Pose.Translation, decoded.Pairs[0].Pose.Translation)
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.json")
	format, err := ParseFormat("", path)
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	rep := Build(sampleGraph(t), relpose.Summary{RunID: "r2"})
	require.NoError(t, Write(path, format, rep))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "r2", decoded["run_id"])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("", "report.yaml")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	f, err = ParseFormat("yml", "")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	_, err = ParseFormat("xml", "")
	assert.Error(t, err)
}
