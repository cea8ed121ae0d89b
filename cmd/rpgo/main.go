// Package main is the robust pose-graph optimization command: it reads a
// g2o file, runs the outlier-rejection pipeline over its measurements, and
// writes the optimized graph plus an inlier listing back out.
package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"go.viam.com/rpgo/consistency"
	"go.viam.com/rpgo/g2o"
	"go.viam.com/rpgo/gnc"
	"go.viam.com/rpgo/maxclique"
	"go.viam.com/rpgo/posegraph"
	"go.viam.com/rpgo/robust"
)

const (
	// Flags.
	flagPCM          = "pcm"
	flagPCMTrans     = "pcm-trans"
	flagPCMRot       = "pcm-rot"
	flagPCMOdom      = "pcm-odom"
	flagPCMLoop      = "pcm-loop"
	flagGNC          = "gnc"
	flagBarcSq       = "barcsq"
	flagClique       = "clique"
	flagCliqueBudget = "clique-budget"
	flagOut          = "out"
	flagInliersOut   = "inliers-out"
	flagVerbose      = "verbose"

	pcmNone     = "none"
	pcmSimple   = "simple"
	pcmOriginal = "original"
)

func main() {
	var logger golog.Logger

	app := &cli.App{
		Name:      "rpgo",
		Usage:     "robust pose graph optimization over g2o files",
		ArgsUsage: "<input.g2o>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagPCM,
				Value: pcmSimple,
				Usage: "pairwise consistency mode: none, simple, or original",
			},
			&cli.Float64Flag{
				Name:  flagPCMTrans,
				Value: 0.1,
				Usage: "simple PCM translation cutoff in meters",
			},
			&cli.Float64Flag{
				Name:  flagPCMRot,
				Value: 0.05,
				Usage: "simple PCM rotation cutoff in radians",
			},
			&cli.Float64Flag{
				Name:  flagPCMOdom,
				Value: 3.0,
				Usage: "original PCM odometry-leg Mahalanobis cutoff",
			},
			&cli.Float64Flag{
				Name:  flagPCMLoop,
				Value: 3.0,
				Usage: "original PCM loop-leg Mahalanobis cutoff",
			},
			&cli.BoolFlag{
				Name:  flagGNC,
				Usage: "enable graduated non-convexity reweighting",
			},
			&cli.Float64Flag{
				Name:  flagBarcSq,
				Value: 1.0,
				Usage: "GNC inlier cost threshold (squared residual boundary)",
			},
			&cli.StringFlag{
				Name:  flagClique,
				Value: "exact",
				Usage: "max clique strategy: exact, heuristic, or relaxation",
			},
			&cli.DurationFlag{
				Name:  flagCliqueBudget,
				Usage: "time budget per clique search (0 = unbounded)",
			},
			&cli.StringFlag{
				Name:  flagOut,
				Value: "result.g2o",
				Usage: "output g2o `FILE` for the optimized graph",
			},
			&cli.StringFlag{
				Name:  flagInliersOut,
				Usage: "optional `FILE` listing accepted/rejected closures",
			},
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagVerbose) {
				logger = golog.NewDebugLogger("rpgo")
			} else {
				logger = zap.NewNop().Sugar()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("exactly one input g2o file is required")
			}
			return run(c, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func paramsFromFlags(c *cli.Context) (robust.Params, error) {
	params := robust.Params{
		CliqueBudget: c.Duration(flagCliqueBudget),
	}
	if c.Bool(flagVerbose) {
		params.Verbosity = robust.Verbose
	}

	switch c.String(flagPCM) {
	case pcmNone:
		params.PCMMode = consistency.Disabled
	case pcmSimple:
		params.PCMMode = consistency.Simplified
		params.PCMThresholds = consistency.Thresholds{
			Translation: c.Float64(flagPCMTrans),
			Rotation:    c.Float64(flagPCMRot),
		}
	case pcmOriginal:
		params.PCMMode = consistency.Original
		params.PCMThresholds = consistency.Thresholds{
			OdometryDistance: c.Float64(flagPCMOdom),
			LoopDistance:     c.Float64(flagPCMLoop),
		}
	default:
		return robust.Params{}, errors.Errorf("unknown pcm mode %q", c.String(flagPCM))
	}

	if c.Bool(flagGNC) {
		params.GNC = gnc.Config{Mode: gnc.Enabled, BarcSq: c.Float64(flagBarcSq)}
	}

	switch c.String(flagClique) {
	case "exact":
		params.CliqueMethod = maxclique.Exact
	case "heuristic":
		params.CliqueMethod = maxclique.Heuristic
	case "relaxation":
		params.CliqueMethod = maxclique.Relaxation
	default:
		return robust.Params{}, errors.Errorf("unknown clique strategy %q", c.String(flagClique))
	}
	return params, nil
}

func run(c *cli.Context, logger golog.Logger) error {
	params, err := paramsFromFlags(c)
	if err != nil {
		return err
	}
	solver, err := robust.New(params, logger)
	if err != nil {
		return err
	}

	inputPath := c.Args().First()
	data, err := g2o.Load(inputPath)
	if err != nil {
		return errors.Wrapf(err, "loading %s", inputPath)
	}
	logger.Infow("graph loaded",
		"poses", len(data.Poses),
		"odometry", len(data.Odometry),
		"loopClosures", len(data.LoopClosures))

	for _, key := range sortedKeys(data) {
		if err := solver.AddPose(key, data.Poses[key]); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := solver.Update(c.Context, data.Odometry, data.LoopClosures); err != nil {
		return err
	}
	logger.Infow("optimization done",
		"inliers", len(solver.InlierSet()),
		"rejected", len(data.LoopClosures)-len(solver.InlierSet()),
		"elapsed", time.Since(start))

	outPath := c.String(flagOut)
	if err := solver.SaveResult(outPath); err != nil {
		return errors.Wrapf(err, "saving %s", outPath)
	}
	if inlierPath := c.String(flagInliersOut); inlierPath != "" {
		if err := solver.SaveInlierSet(inlierPath); err != nil {
			return errors.Wrapf(err, "saving %s", inlierPath)
		}
	}
	fmt.Fprintf(c.App.Writer, "wrote %s (%d poses, %d accepted closures)\n",
		outPath, len(solver.CurrentEstimate()), len(solver.InlierSet()))
	return nil
}

func sortedKeys(data *g2o.Data) []posegraph.Key {
	keys := make([]posegraph.Key, 0, len(data.Poses))
	for k := range data.Poses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
