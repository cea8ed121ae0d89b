package robust

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rpgo/g2o"
)

// SaveResult writes the current estimate and the active measurements (all
// odometry plus accepted loop closures) as a g2o file.
func (s *RobustSolver) SaveResult(outputPath string) error {
	if len(s.estimate) == 0 {
		return errors.New("no estimate has been published yet")
	}
	measurements := s.graph.Odometry()
	for _, id := range s.InlierSet() {
		m, ok := s.graph.LoopClosure(id)
		if !ok {
			continue
		}
		measurements = append(measurements, m)
	}
	return g2o.Save(outputPath, s.estimate, measurements)
}

// SaveInlierSet writes one line per staged loop closure with its current
// status: accepted (in the clique), rejected (failed pairwise selection),
// or odometry_rejected (thrown out by the Original-PCM odometry gate).
func (s *RobustSolver) SaveInlierSet(outputPath string) (err error) {
	//nolint:gosec
	f, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrap(err, "creating inlier listing")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	accepted := map[int64]bool{}
	for _, id := range s.InlierSet() {
		accepted[id] = true
	}

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintln(w, "# closure_id from to status weight"); err != nil {
		return errors.Wrap(err, "writing inlier listing")
	}
	for _, id := range s.graph.LoopClosureIDs() {
		m, _ := s.graph.LoopClosure(id)
		status := "rejected"
		weight := 0.0
		switch {
		case accepted[id]:
			status = "accepted"
			weight = 1.0
			if wv, ok := s.weights[id]; ok {
				weight = wv
			}
		case s.checker.OdometryRejected(id):
			status = "odometry_rejected"
		}
		if _, err := fmt.Fprintf(w, "%d %d %d %s %.6f\n", id, m.From, m.To, status, weight); err != nil {
			return errors.Wrap(err, "writing inlier listing")
		}
	}
	return errors.Wrap(w.Flush(), "flushing inlier listing")
}
