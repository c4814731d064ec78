package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"github.com/banshee-data/marker.locator/internal/archive"
	"github.com/banshee-data/marker.locator/internal/config"
	"github.com/banshee-data/marker.locator/internal/detect"
	"github.com/banshee-data/marker.locator/internal/framehistory"
	"github.com/banshee-data/marker.locator/internal/fsutil"
	"github.com/banshee-data/marker.locator/internal/locator"
	"github.com/banshee-data/marker.locator/internal/markermap"
	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
	"github.com/banshee-data/marker.locator/internal/source"
	"github.com/banshee-data/marker.locator/internal/telemetry"
	"github.com/banshee-data/marker.locator/internal/timeutil"
	"github.com/banshee-data/marker.locator/internal/trajectory"
	"github.com/banshee-data/marker.locator/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a JSON config file (built-in defaults when empty)")
	fixturesPath = flag.String("fixtures", "", "Replay recorded detections from a JSON-lines fixtures file")
	synthetic    = flag.Bool("synthetic", false, "Run a synthetic pass along the marker wall")
	interval     = flag.Duration("interval", 33*time.Millisecond, "Frame interval for replay and synthetic sources")
	listen       = flag.String("listen", "", "Telemetry listen address (overrides config)")
	waitClient   = flag.Bool("wait", false, "Block until the telemetry client connects before reading frames")
	outputDir    = flag.String("output", "", "Trajectory output directory (overrides config)")
	dbPath       = flag.String("db", "", "SQLite run archive path (overrides config)")
	plotPNG      = flag.Bool("plot", false, "Render a trajectory PNG next to the CSV")
	verbose      = flag.Bool("v", false, "Log per-frame detail")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// options are the command-line overrides applied on top of the config.
type options struct {
	fixtures  string
	synthetic bool
	interval  time.Duration
	listen    string
	wait      bool
	outputDir string
	dbPath    string
	plot      bool
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)
	log.Printf("marker locator %s", version.String())

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx, cfg, options{
		fixtures:  *fixturesPath,
		synthetic: *synthetic,
		interval:  *interval,
		listen:    *listen,
		wait:      *waitClient,
		outputDir: *outputDir,
		dbPath:    *dbPath,
		plot:      *plotPNG,
	})
	stop()
	os.Exit(code)
}

// run wires the engine from cfg and opts, runs it to completion and
// persists the trajectory. It returns the process exit code: 1 for a
// startup or persistence failure.
func run(ctx context.Context, cfg *config.LocatorConfig, opts options) (code int) {
	clock := timeutil.RealClock{}

	m, err := markermap.Build(cfg.GetLayout())
	if err != nil {
		log.Printf("Failed to build marker map: %v", err)
		return 1
	}
	intrinsics := cfg.GetIntrinsics()
	width, height := cfg.GetImageSize()

	src, det, err := openSource(cfg, opts, m, clock)
	if err != nil {
		log.Printf("Failed to open frame source: %v", err)
		return 1
	}
	defer src.Close()
	log.Printf("Marker map: %d markers, ids %v", m.Len(), m.IDs())

	srvCfg := cfg.GetServerConfig()
	if opts.listen != "" {
		srvCfg.Address = opts.listen
	}
	srv := telemetry.NewServer(srvCfg)
	if err := srv.Listen(); err != nil {
		log.Printf("Failed to start telemetry server: %v", err)
		return 1
	}
	defer srv.Close()
	sinks := []telemetry.Sink{srv}

	if port, portOpts, ok := cfg.GetSerial(); ok {
		serialSink, err := telemetry.OpenSerial(port, portOpts, srvCfg.YawDecimals)
		if err != nil {
			log.Printf("Serial telemetry disabled: %v", err)
		} else {
			defer serialSink.Close()
			sinks = append(sinks, serialSink)
		}
	}

	dir := cfg.GetOutputDir()
	if opts.outputDir != "" {
		dir = opts.outputDir
	}
	traj := trajectory.NewLogger(fsutil.OSFileSystem{}, dir)

	engine, err := locator.NewEngine(locator.Config{
		Source:         src,
		Detector:       det,
		Map:            m,
		Estimator:      pose.NewEstimator(cfg.GetEstimatorConfig(), intrinsics),
		History:        framehistory.New(cfg.GetHistoryCapacity()),
		Trajectory:     traj,
		Projection:     cfg.GetProjection(),
		Sinks:          sinks,
		RequiredFrames: cfg.GetRequiredFrames(),
		FrameTimeout:   cfg.GetFrameTimeout(),
		StatsInterval:  cfg.GetStatsInterval(),
		Clock:          clock,
	})
	if err != nil {
		log.Printf("Failed to create engine: %v", err)
		return 1
	}
	log.Printf("Camera %dx%d fx=%.1f fy=%.1f", width, height, intrinsics.Fx(), intrinsics.Fy())

	finalizerCfg := locator.FinalizerConfig{
		Trajectory: traj,
		Plot:       opts.plot || cfg.GetPlot(),
		Stats:      engine.Stats,
		Clock:      clock,
	}

	db := cfg.GetDBPath()
	if opts.dbPath != "" {
		db = opts.dbPath
	}
	if db != "" {
		arch, runID, err := startArchive(ctx, db, clock, opts)
		if err != nil {
			log.Printf("Run archive disabled: %v", err)
		} else {
			defer arch.Close()
			finalizerCfg.Archive = arch
			finalizerCfg.RunID = runID
		}
	}
	finalizer := locator.NewFinalizer(finalizerCfg)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Locator panicked: %v", r)
			code = 1
		}
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		path, err := finalizer.Finalize(fctx)
		if err != nil {
			log.Printf("Failed to persist run: %v", err)
			code = 1
			return
		}
		if path != "" {
			log.Printf("Trajectory saved to %s", path)
		}
	}()

	if _, err := locator.AcceptClient(ctx, srv, opts.wait || cfg.GetWaitForClient()); err != nil {
		log.Printf("No telemetry client: %v", err)
		if ctx.Err() != nil {
			return 0
		}
	}

	if err := engine.Run(ctx); err != nil {
		log.Printf("Locator stopped: %v", err)
		return 1
	}
	log.Printf("Locator finished: %+v", engine.Stats())
	return 0
}

// openSource picks the frame source and detector. The synthetic pass
// supplies both; otherwise the configured detector is opened and, when it
// replays fixtures, its recorded frames drive the source.
func openSource(cfg *config.LocatorConfig, opts options, m *markermap.Map, clock timeutil.Clock) (source.Source, detect.Detector, error) {
	if opts.synthetic {
		width, height := cfg.GetImageSize()
		synth := source.NewSynthetic(source.SyntheticConfig{
			Map:        m,
			Intrinsics: cfg.GetIntrinsics(),
			Path:       wallPass(m, 120),
			Width:      width,
			Height:     height,
			Interval:   opts.interval,
			Clock:      clock,
		})
		log.Printf("Using synthetic frame source")
		return synth, synth, nil
	}

	kind, path := cfg.GetDetector()
	if opts.fixtures != "" {
		kind, path = "fixtures", opts.fixtures
	}
	det, err := detect.OpenOrDegrade(kind, path)
	if err != nil {
		log.Printf("WARNING: %v", err)
	}
	if fixtures, ok := det.(*detect.Fixtures); ok {
		log.Printf("Replaying %d recorded frames from %s", fixtures.Len(), path)
		return source.NewReplay(fixtures.Seqs(), opts.interval, clock), det, nil
	}
	return nil, nil, fmt.Errorf("no frame source: camera capture is external, use -fixtures or -synthetic")
}

// wallPass scripts n frames of a level camera sweeping past the marker
// wall, weaving gently about a heading of 90 degrees.
func wallPass(m *markermap.Map, n int) []source.Waypoint {
	markers := m.Markers()
	minX, maxX, wallY := math.Inf(1), math.Inf(-1), math.Inf(1)
	for _, mk := range markers {
		minX = math.Min(minX, mk.Center.X)
		maxX = math.Max(maxX, mk.Center.X)
		wallY = math.Min(wallY, mk.Center.Y)
	}

	path := make([]source.Waypoint, n)
	for i := range path {
		f := float64(i) / float64(max(n-1, 1))
		path[i] = source.Waypoint{
			Center: r3.Vector{
				X: minX + f*(maxX-minX),
				Y: wallY - 1.2 + 0.1*math.Sin(2*math.Pi*f),
			},
			Heading: 90 + 6*math.Sin(4*math.Pi*f),
		}
	}
	return path
}

func startArchive(ctx context.Context, path string, clock timeutil.Clock, opts options) (*archive.Archive, uuid.UUID, error) {
	arch, err := archive.Open(path)
	if err != nil {
		return nil, uuid.Nil, err
	}
	notes := "live"
	switch {
	case opts.synthetic:
		notes = "synthetic"
	case opts.fixtures != "":
		notes = "fixtures " + opts.fixtures
	}
	runID, err := arch.StartRun(ctx, clock.Now(), notes)
	if err != nil {
		arch.Close()
		return nil, uuid.Nil, err
	}
	log.Printf("Archiving run %s to %s", runID, path)
	return arch, runID, nil
}
