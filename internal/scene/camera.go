package scene

import (
	"fmt"
	"strings"
)

// CameraModel enumerates intrinsic models. Values match the model ids stored in
// the scene database.
type CameraModel int

const (
	ModelSimplePinhole CameraModel = iota
	ModelPinhole
	ModelSimpleRadial
	ModelRadial
	ModelOpenCV
	ModelOpenCVFisheye
	ModelFullOpenCV
	ModelFOV
	ModelSimpleRadialFisheye
	ModelRadialFisheye
	ModelThinPrismFisheye
)

type modelInfo struct {
	name      string
	numParams int
}

var models = map[CameraModel]modelInfo{
	ModelSimplePinhole:       {"SIMPLE_PINHOLE", 3},
	ModelPinhole:             {"PINHOLE", 4},
	ModelSimpleRadial:        {"SIMPLE_RADIAL", 4},
	ModelRadial:              {"RADIAL", 5},
	ModelOpenCV:              {"OPENCV", 8},
	ModelOpenCVFisheye:       {"OPENCV_FISHEYE", 8},
	ModelFullOpenCV:          {"FULL_OPENCV", 12},
	ModelFOV:                 {"FOV", 5},
	ModelSimpleRadialFisheye: {"SIMPLE_RADIAL_FISHEYE", 4},
	ModelRadialFisheye:       {"RADIAL_FISHEYE", 5},
	ModelThinPrismFisheye:    {"THIN_PRISM_FISHEYE", 12},
}

func (m CameraModel) String() string {
	if info, ok := models[m]; ok {
		return info.name
	}
	return fmt.Sprintf("CameraModel(%d)", int(m))
}

// NumParams is the number of intrinsic parameters of the model, or -1.
func (m CameraModel) NumParams() int {
	if info, ok := models[m]; ok {
		return info.numParams
	}
	return -1
}

// ParseCameraModel resolves a model name such as "PINHOLE".
func ParseCameraModel(name string) (CameraModel, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for m, info := range models {
		if info.name == upper {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown camera model %q", name)
}

// Camera holds intrinsics. Params follow the model's parameter order.
type Camera struct {
	ID     CameraID
	Model  CameraModel
	Width  int
	Height int
	Params []float64
}

// Validate checks the parameter count against the model.
func (c Camera) Validate() error {
	want := c.Model.NumParams()
	if want < 0 {
		return fmt.Errorf("camera %d: unknown model %d", c.ID, int(c.Model))
	}
	if len(c.Params) != want {
		return fmt.Errorf("camera %d: model %s expects %d params, got %d", c.ID, c.Model, want, len(c.Params))
	}
	return nil
}
