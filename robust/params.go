// Package robust wires the outlier-rejection pipeline together: pairwise
// consistency checking, maximum-clique inlier selection, graduated
// non-convexity reweighting, and the incremental optimization loop that
// owns the live problem and the published estimate.
package robust

import (
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rpgo/consistency"
	"go.viam.com/rpgo/gnc"
	"go.viam.com/rpgo/maxclique"
)

// Verbosity controls how chatty the pipeline is.
type Verbosity int

// The verbosity levels.
const (
	Quiet Verbosity = iota
	Verbose
)

// ErrUnsupportedConfig reports an invalid parameter combination. It is
// fatal at construction time, before any measurement is processed.
var ErrUnsupportedConfig = errors.New("unsupported robust solver configuration")

// Params is the full configuration surface of the pipeline. The zero value
// is PCM disabled, GNC disabled, exact clique search: plain least squares
// over everything.
type Params struct {
	// PCMMode and PCMThresholds configure pairwise consistency gating.
	PCMMode       consistency.Mode
	PCMThresholds consistency.Thresholds
	// GNC configures graduated non-convexity reweighting.
	GNC gnc.Config
	// CliqueMethod selects the inlier search strategy; CliqueBudget, when
	// positive, bounds each search (best-effort result on expiry).
	CliqueMethod maxclique.Method
	CliqueBudget time.Duration
	// Verbosity gates the pipeline's debug logging; warnings and errors
	// are always emitted.
	Verbosity Verbosity
}

// Validate checks the whole combination up front so a misconfigured
// pipeline never sees a measurement.
func (p Params) Validate() error {
	switch p.PCMMode {
	case consistency.Disabled, consistency.Simplified, consistency.Original:
	default:
		return errors.Wrapf(ErrUnsupportedConfig, "pcm mode %d", p.PCMMode)
	}
	switch p.GNC.Mode {
	case gnc.Disabled, gnc.Enabled:
	default:
		return errors.Wrapf(ErrUnsupportedConfig, "gnc mode %d", p.GNC.Mode)
	}
	switch p.CliqueMethod {
	case maxclique.Exact, maxclique.Heuristic, maxclique.Relaxation:
	default:
		return errors.Wrapf(ErrUnsupportedConfig, "clique method %d", p.CliqueMethod)
	}
	if p.CliqueBudget < 0 {
		return errors.Wrap(ErrUnsupportedConfig, "clique budget cannot be negative")
	}
	switch p.Verbosity {
	case Quiet, Verbose:
	default:
		return errors.Wrapf(ErrUnsupportedConfig, "verbosity %d", p.Verbosity)
	}
	return nil
}
