// Package g2o reads and writes pose graphs in the g2o text format:
// VERTEX_SE2/EDGE_SE2 records for planar graphs and
// VERTEX_SE3:QUAT/EDGE_SE3:QUAT for spatial ones, with upper-triangular
// information matrices on edges. Edges between consecutive keys are
// classified as odometry, everything else as loop closures.
package g2o

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rpgo/posegraph"
	"go.viam.com/rpgo/spatialmath"
)

// Record tags in the g2o format.
const (
	tagVertexSE2 = "VERTEX_SE2"
	tagEdgeSE2   = "EDGE_SE2"
	tagVertexSE3 = "VERTEX_SE3:QUAT"
	tagEdgeSE3   = "EDGE_SE3:QUAT"
)

// Data is a parsed pose graph: initial values plus measurements split by
// kind.
type Data struct {
	Poses        map[posegraph.Key]spatialmath.Pose
	Odometry     []posegraph.Measurement
	LoopClosures []posegraph.Measurement
}

// Load reads a g2o file from disk.
func Load(path string) (*Data, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening g2o file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return Read(f)
}

// Read parses g2o records from r.
func Read(r io.Reader) (*Data, error) {
	data := &Data{Poses: map[posegraph.Key]spatialmath.Pose{}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		var err error
		switch fields[0] {
		case tagVertexSE2:
			err = data.parseVertexSE2(fields[1:])
		case tagEdgeSE2:
			err = data.parseEdgeSE2(fields[1:])
		case tagVertexSE3:
			err = data.parseVertexSE3(fields[1:])
		case tagEdgeSE3:
			err = data.parseEdgeSE3(fields[1:])
		default:
			// unknown records are skipped, matching common g2o tooling
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading g2o data")
	}
	return data, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", f)
		}
		out[i] = v
	}
	return out, nil
}

func (d *Data) parseVertexSE2(fields []string) error {
	if len(fields) != 4 {
		return errors.Errorf("VERTEX_SE2 needs 4 fields, got %d", len(fields))
	}
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return errors.Wrap(err, "vertex id")
	}
	vals, err := parseFloats(fields[1:])
	if err != nil {
		return err
	}
	d.Poses[posegraph.Key(id)] = spatialmath.NewPose2(vals[0], vals[1], vals[2])
	return nil
}

func (d *Data) parseEdgeSE2(fields []string) error {
	if len(fields) != 11 {
		return errors.Errorf("EDGE_SE2 needs 11 fields, got %d", len(fields))
	}
	from, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return errors.Wrap(err, "edge from")
	}
	to, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return errors.Wrap(err, "edge to")
	}
	vals, err := parseFloats(fields[2:])
	if err != nil {
		return err
	}
	info := mat.NewSymDense(3, nil)
	idx := 3
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			info.SetSym(i, j, vals[idx])
			idx++
		}
	}
	cov, err := invertSym(info)
	if err != nil {
		return errors.Wrapf(err, "edge %d->%d information", from, to)
	}
	d.appendEdge(posegraph.Measurement{
		From:      posegraph.Key(from),
		To:        posegraph.Key(to),
		Transform: spatialmath.NewPose2(vals[0], vals[1], vals[2]),
		Cov:       cov,
	})
	return nil
}

func (d *Data) parseVertexSE3(fields []string) error {
	if len(fields) != 8 {
		return errors.Errorf("VERTEX_SE3:QUAT needs 8 fields, got %d", len(fields))
	}
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return errors.Wrap(err, "vertex id")
	}
	v, err := parseFloats(fields[1:])
	if err != nil {
		return err
	}
	// file order is qx qy qz qw
	d.Poses[posegraph.Key(id)] = spatialmath.NewPose3(
		r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]},
	)
	return nil
}

func (d *Data) parseEdgeSE3(fields []string) error {
	if len(fields) != 30 {
		return errors.Errorf("EDGE_SE3:QUAT needs 30 fields, got %d", len(fields))
	}
	from, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return errors.Wrap(err, "edge from")
	}
	to, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return errors.Wrap(err, "edge to")
	}
	v, err := parseFloats(fields[2:])
	if err != nil {
		return err
	}
	info := mat.NewSymDense(6, nil)
	idx := 7
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			info.SetSym(i, j, v[idx])
			idx++
		}
	}
	cov, err := invertSym(info)
	if err != nil {
		return errors.Wrapf(err, "edge %d->%d information", from, to)
	}
	d.appendEdge(posegraph.Measurement{
		From: posegraph.Key(from),
		To:   posegraph.Key(to),
		Transform: spatialmath.NewPose3(
			r3.Vector{X: v[0], Y: v[1], Z: v[2]},
			quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]},
		),
		Cov: cov,
	})
	return nil
}

func (d *Data) appendEdge(m posegraph.Measurement) {
	if m.To == m.From+1 {
		m.Kind = posegraph.Odometry
		d.Odometry = append(d.Odometry, m)
		return
	}
	m.Kind = posegraph.LoopClosure
	d.LoopClosures = append(d.LoopClosures, m)
}

// Save writes a g2o file of the given estimate and measurements.
func Save(path string, poses map[posegraph.Key]spatialmath.Pose, measurements []posegraph.Measurement) error {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating g2o file")
	}
	if err := Write(f, poses, measurements); err != nil {
		utils.UncheckedErrorFunc(f.Close)
		return err
	}
	return f.Close()
}

// Write emits g2o records: vertices in ascending key order, then edges.
func Write(w io.Writer, poses map[posegraph.Key]spatialmath.Pose, measurements []posegraph.Measurement) error {
	keys := make([]posegraph.Key, 0, len(poses))
	for k := range poses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if err := writeVertex(bw, k, poses[k]); err != nil {
			return err
		}
	}
	for _, m := range measurements {
		if err := writeEdge(bw, m); err != nil {
			return err
		}
	}
	return errors.Wrap(bw.Flush(), "flushing g2o data")
}

func writeVertex(w io.Writer, k posegraph.Key, p spatialmath.Pose) error {
	switch pose := p.(type) {
	case *spatialmath.Pose2:
		_, err := fmt.Fprintf(w, "%s %d %.9g %.9g %.9g\n", tagVertexSE2, k, pose.X, pose.Y, pose.Theta)
		return errors.Wrap(err, "writing vertex")
	case *spatialmath.Pose3:
		_, err := fmt.Fprintf(w, "%s %d %.9g %.9g %.9g %.9g %.9g %.9g %.9g\n",
			tagVertexSE3, k, pose.T.X, pose.T.Y, pose.T.Z, pose.R.Imag, pose.R.Jmag, pose.R.Kmag, pose.R.Real)
		return errors.Wrap(err, "writing vertex")
	default:
		return errors.Errorf("unsupported pose type %T", p)
	}
}

func writeEdge(w io.Writer, m posegraph.Measurement) error {
	info, err := invertSym(m.Cov)
	if err != nil {
		return errors.Wrapf(err, "edge %d->%d covariance", m.From, m.To)
	}
	n := info.SymmetricDim()
	upper := make([]string, 0, n*(n+1)/2)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			upper = append(upper, fmt.Sprintf("%.9g", info.At(i, j)))
		}
	}
	switch pose := m.Transform.(type) {
	case *spatialmath.Pose2:
		_, err := fmt.Fprintf(w, "%s %d %d %.9g %.9g %.9g %s\n",
			tagEdgeSE2, m.From, m.To, pose.X, pose.Y, pose.Theta, strings.Join(upper, " "))
		return errors.Wrap(err, "writing edge")
	case *spatialmath.Pose3:
		_, err := fmt.Fprintf(w, "%s %d %d %.9g %.9g %.9g %.9g %.9g %.9g %.9g %s\n",
			tagEdgeSE3, m.From, m.To, pose.T.X, pose.T.Y, pose.T.Z,
			pose.R.Imag, pose.R.Jmag, pose.R.Kmag, pose.R.Real, strings.Join(upper, " "))
		return errors.Wrap(err, "writing edge")
	default:
		return errors.Errorf("unsupported pose type %T", m.Transform)
	}
}

func invertSym(s *mat.SymDense) (*mat.SymDense, error) {
	n := s.SymmetricDim()
	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return nil, errors.New("matrix is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrap(err, "inverting matrix")
	}
	out := mat.NewSymDense(n, nil)
	out.CopySym(&inv)
	return out, nil
}
