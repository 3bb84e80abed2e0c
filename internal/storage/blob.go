package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Array columns are stored as little-endian row-major blobs next to their
// rows/cols counts.

func encodeFloat64s(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

func decodeFloat64s(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("float64 blob has %d bytes", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}

func encodeKeypoints(points [][2]float64) []byte {
	buf := make([]byte, 8*len(points))
	for i, p := range points {
		binary.LittleEndian.PutUint32(buf[8*i:], math.Float32bits(float32(p[0])))
		binary.LittleEndian.PutUint32(buf[8*i+4:], math.Float32bits(float32(p[1])))
	}
	return buf
}

// decodeKeypoints reads the x, y columns of a rows x cols float32 blob.
func decodeKeypoints(buf []byte, rows, cols int) ([][2]float64, error) {
	if cols < 2 || len(buf) != 4*rows*cols {
		return nil, fmt.Errorf("keypoint blob %dx%d has %d bytes", rows, cols, len(buf))
	}
	out := make([][2]float64, rows)
	for r := range out {
		off := 4 * r * cols
		out[r][0] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
		out[r][1] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:])))
	}
	return out, nil
}

func encodeMatches(pairs [][2]uint32) []byte {
	buf := make([]byte, 8*len(pairs))
	for i, m := range pairs {
		binary.LittleEndian.PutUint32(buf[8*i:], m[0])
		binary.LittleEndian.PutUint32(buf[8*i+4:], m[1])
	}
	return buf
}

func decodeMatches(buf []byte, rows, cols int) ([][2]uint32, error) {
	if cols != 2 || len(buf) != 4*rows*cols {
		return nil, fmt.Errorf("match blob %dx%d has %d bytes", rows, cols, len(buf))
	}
	out := make([][2]uint32, rows)
	for r := range out {
		out[r][0] = binary.LittleEndian.Uint32(buf[8*r:])
		out[r][1] = binary.LittleEndian.Uint32(buf[8*r+4:])
	}
	return out, nil
}
