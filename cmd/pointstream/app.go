package main

import (
	"io"

	"github.com/urfave/cli/v2"

	"go.viam.com/pointstream/config"
	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/pointcloud"
)

const (
	// Flags.
	flagConfig      = "config"
	flagDebug       = "debug"
	flagOperation   = "operation"
	flagParam       = "param"
	flagTimeout     = "timeout"
	flagEye         = "eye"
	flagLookAt      = "look-at"
	flagUp          = "up"
	flagFOV         = "fov"
	flagOrtho       = "ortho-height"
	flagWidth       = "width"
	flagHeight      = "height"
	flagNear        = "near"
	flagFar         = "far"
	flagLoad        = "load"
	flagWatch       = "watch"
	flagFormat      = "format"
	flagInputFormat = "input-format"
	flagMaxPoints   = "max-points"
	flagPrecision   = "precision"
	flagNoColors    = "no-colors"
	flagNoNormals   = "no-normals"
	flagNoIntensity = "no-intensity"
	flagCompress    = "compress"
	flagSampleSize  = "sample-size"
	flagPoint       = "point"
	flagNeighbors   = "neighbors"
	flagColormap    = "colormap"
	flagOutput      = "output"
	flagAddr        = "addr"
	flagRateLimit   = "rate-limit"
	flagBurst       = "burst"
)

// pointstream holds what every command shares once the global flags are parsed.
type pointstream struct {
	logger     logging.Logger
	cfg        *config.Config
	configPath string
	logFile    *logging.FileAppender
}

// before loads the configuration and sets the log level from it; --debug wins over the config.
func (ps *pointstream) before(c *cli.Context) error {
	ps.configPath = c.Path(flagConfig)
	ps.cfg = config.Default()
	if ps.configPath != "" {
		cfg, err := config.Read(ps.configPath)
		if err != nil {
			return err
		}
		ps.cfg = cfg
	}
	level, err := ps.cfg.LogLevel()
	if err != nil {
		return err
	}
	if c.Bool(flagDebug) {
		level = logging.DEBUG
	}
	ps.logger.SetLevel(level)
	if file := ps.cfg.Log.FileAppender(); file != nil {
		ps.logger.AddAppender(file)
		ps.logFile = file
	}
	return nil
}

func (ps *pointstream) after(*cli.Context) error {
	if ps.logFile == nil {
		return nil
	}
	return ps.logFile.Close()
}

func newApp(out io.Writer, logger logging.Logger) *cli.App {
	ps := &pointstream{logger: logger}
	return &cli.App{
		Name:            "pointstream",
		Usage:           "prepare, tile and serve point clouds for streaming",
		HideHelpCommand: true,
		Writer:          out,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: ps.before,
		After:  ps.after,
		Commands: []*cli.Command{
			{
				Name:      "preprocess",
				Usage:     "run one processing operation through the worker pool",
				ArgsUsage: "<input>... <output>",
				Description: "Point operations read point clouds and write the processed cloud. register_icp reads\n" +
					"a source and a target and writes the aligned source. convex_hull writes nothing.\n" +
					"equirect_to_perspective reads one image and stereo_disparity reads a left and a right\n" +
					"image; both write an image. clean_mesh reads a PLY or OBJ mesh and writes the cleaned mesh.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagOperation,
						Value: "pipeline",
						Usage: "operation to run",
					},
					&cli.StringSliceFlag{
						Name:  flagParam,
						Usage: "operation parameter as `KEY=VALUE`, may be repeated",
					},
					&cli.DurationFlag{
						Name:  flagTimeout,
						Usage: "overrides the configured timeout of the operation",
					},
				},
				Action: ps.preprocessAction,
			},
			{
				Name:      "build",
				Usage:     "build a streamable octree from a point cloud",
				ArgsUsage: "<input> <directory>",
				Action:    ps.buildAction,
			},
			{
				Name:      "select",
				Usage:     "select the octree nodes to render for a camera",
				ArgsUsage: "<directory>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagEye,
						Required: true,
						Usage:    "camera position as `X,Y,Z`",
					},
					&cli.StringFlag{
						Name:  flagLookAt,
						Usage: "point the camera looks at as `X,Y,Z`, defaults to the center of the points",
					},
					&cli.StringFlag{
						Name:  flagUp,
						Value: "0,0,1",
						Usage: "camera up vector as `X,Y,Z`",
					},
					&cli.Float64Flag{
						Name:  flagFOV,
						Value: 60,
						Usage: "vertical field of view in degrees",
					},
					&cli.Float64Flag{
						Name:  flagOrtho,
						Usage: "use an orthographic camera showing this many world units vertically",
					},
					&cli.IntFlag{
						Name:  flagWidth,
						Value: 1920,
						Usage: "viewport width in pixels",
					},
					&cli.IntFlag{
						Name:  flagHeight,
						Value: 1080,
						Usage: "viewport height in pixels",
					},
					&cli.Float64Flag{
						Name:  flagNear,
						Value: 0.1,
						Usage: "near clipping distance",
					},
					&cli.Float64Flag{
						Name:  flagFar,
						Value: 10000,
						Usage: "far clipping distance",
					},
					&cli.BoolFlag{
						Name:  flagLoad,
						Usage: "load the selected nodes and report the cache",
					},
					&cli.BoolFlag{
						Name:  flagWatch,
						Usage: "select again whenever the lod section of the config file changes",
					},
				},
				Action: ps.selectAction,
			},
			{
				Name:      "export",
				Usage:     "write a point cloud in another format",
				ArgsUsage: "<input> <output>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagFormat,
						Usage: "output format, defaults to the output extension",
					},
					&cli.StringFlag{
						Name:  flagInputFormat,
						Usage: "input format, defaults to the input extension",
					},
					&cli.IntFlag{
						Name:  flagMaxPoints,
						Usage: "cap on the exported point count, 0 for none",
					},
					&cli.IntFlag{
						Name:  flagPrecision,
						Usage: "decimals written by text formats",
					},
					&cli.BoolFlag{
						Name: flagNoColors,
					},
					&cli.BoolFlag{
						Name: flagNoNormals,
					},
					&cli.BoolFlag{
						Name: flagNoIntensity,
					},
					&cli.BoolFlag{
						Name:  flagCompress,
						Usage: "write pcd as lzf binary_compressed",
					},
				},
				Action: ps.exportAction,
			},
			{
				Name:      "stats",
				Usage:     "describe a point cloud",
				ArgsUsage: "<input>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagSampleSize,
						Usage: "points sampled for nearest neighbor spacing",
					},
					&cli.IntFlag{
						Name:  flagPoint,
						Value: -1,
						Usage: "also describe the point at this `INDEX` and its nearest neighbors",
					},
					&cli.IntFlag{
						Name:  flagNeighbors,
						Value: pointcloud.DefaultPointInfoNeighbors,
						Usage: "neighbors listed with --point",
					},
					&cli.StringFlag{
						Name:  flagColormap,
						Usage: "color the points by height with jet, viridis or hot",
					},
					&cli.PathFlag{
						Name:  flagOutput,
						Usage: "where to write the colored cloud",
					},
				},
				Action: ps.statsAction,
			},
			{
				Name:      "fetch",
				Usage:     "mirror a served octree to a local directory, resuming interrupted downloads",
				ArgsUsage: "<url> <directory>",
				Action:    ps.fetchAction,
			},
			{
				Name:      "serve",
				Usage:     "serve every octree directory below a root over HTTP",
				ArgsUsage: "<root>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagAddr,
						Value: "localhost:8080",
						Usage: "address to listen on",
					},
					&cli.Float64Flag{
						Name:  flagRateLimit,
						Usage: "requests per second answered before replying 429, 0 for no limit",
					},
					&cli.IntFlag{
						Name:  flagBurst,
						Value: 100,
						Usage: "requests allowed at once above the rate limit",
					},
				},
				Action: ps.serveAction,
			},
		},
	}
}
