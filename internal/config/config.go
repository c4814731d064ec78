// Package config loads the locator's JSON configuration. Every field is
// optional: the Get* accessors fall back to built-in defaults, so partial
// config files are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/marker.locator/internal/camera"
	"github.com/banshee-data/marker.locator/internal/markermap"
	"github.com/banshee-data/marker.locator/internal/pose"
	"github.com/banshee-data/marker.locator/internal/telemetry"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/locator.defaults.json"

// maxFileSize bounds config files (1MB).
const maxFileSize = 1 * 1024 * 1024

// LocatorConfig is the root configuration.
type LocatorConfig struct {
	Camera     *CameraConfig     `json:"camera,omitempty"`
	Layout     *markermap.Layout `json:"layout,omitempty"`
	Estimator  *EstimatorConfig  `json:"estimator,omitempty"`
	Projection *pose.Projection  `json:"projection,omitempty"`
	Telemetry  *TelemetryConfig  `json:"telemetry,omitempty"`
	History    *HistoryConfig    `json:"history,omitempty"`
	Trajectory *TrajectoryConfig `json:"trajectory,omitempty"`
	Engine     *EngineConfig     `json:"engine,omitempty"`
	Detector   *DetectorConfig   `json:"detector,omitempty"`
	Archive    *ArchiveConfig    `json:"archive,omitempty"`
}

// CameraConfig holds the calibration and image size.
type CameraConfig struct {
	Matrix     *[3][3]float64 `json:"matrix,omitempty"`
	Distortion *[5]float64    `json:"distortion,omitempty"`
	Width      *int           `json:"width,omitempty"`
	Height     *int           `json:"height,omitempty"`
}

// EstimatorConfig tunes pose estimation.
type EstimatorConfig struct {
	MinMarkers             *int     `json:"min_markers,omitempty"`
	ReferenceOffsetM       *float64 `json:"reference_offset_m,omitempty"`
	MaxReprojectionErrorPx *float64 `json:"max_reprojection_error_px,omitempty"`
	MaxIterations          *int     `json:"max_iterations,omitempty"`
}

// TelemetryConfig configures the TCP server and optional serial sink.
type TelemetryConfig struct {
	Listen        *string       `json:"listen,omitempty"`
	WaitForClient *bool         `json:"wait_for_client,omitempty"`
	YawDecimals   *int          `json:"yaw_decimals,omitempty"`
	WriteTimeout  *string       `json:"write_timeout,omitempty"` // duration string like "250ms"
	Serial        *SerialConfig `json:"serial,omitempty"`
}

// SerialConfig enables the serial sink when Port is set.
type SerialConfig struct {
	Port string `json:"port"`
	telemetry.PortOptions
}

// HistoryConfig sizes the frame history.
type HistoryConfig struct {
	Capacity       *int `json:"capacity,omitempty"`
	RequiredFrames *int `json:"required_frames,omitempty"`
}

// TrajectoryConfig controls trajectory persistence.
type TrajectoryConfig struct {
	OutputDir *string `json:"output_dir,omitempty"`
	Plot      *bool   `json:"plot,omitempty"`
}

// EngineConfig controls the frame loop.
type EngineConfig struct {
	FrameTimeout  *string `json:"frame_timeout,omitempty"`  // duration string like "2s"
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "10s"
}

// DetectorConfig selects the marker detector.
type DetectorConfig struct {
	Kind     *string `json:"kind,omitempty"`
	Fixtures *string `json:"fixtures,omitempty"`
}

// ArchiveConfig enables the SQLite run archive when DBPath is set.
type ArchiveConfig struct {
	DBPath *string `json:"db_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Built-in defaults.
const (
	defaultWidth          = 640
	defaultHeight         = 480
	defaultListen         = ":5005"
	defaultFrameTimeout   = 2 * time.Second
	defaultStatsInterval  = 10 * time.Second
	defaultWriteTimeout   = 250 * time.Millisecond
	defaultRequiredFrames = 2
)

var (
	defaultMatrix     = [3][3]float64{{615, 0, 320}, {0, 615, 240}, {0, 0, 1}}
	defaultDistortion = [5]float64{0.05, -0.12, 0, 0, 0.03}
)

// EmptyConfig returns a LocatorConfig with every section nil.
func EmptyConfig() *LocatorConfig {
	return &LocatorConfig{}
}

// DefaultConfig returns a LocatorConfig with every field populated with
// the built-in defaults.
func DefaultConfig() *LocatorConfig {
	layout := markermap.DefaultLayout()
	projection := pose.DefaultProjection()
	est := pose.DefaultEstimatorConfig()
	matrix, distortion := defaultMatrix, defaultDistortion

	return &LocatorConfig{
		Camera: &CameraConfig{
			Matrix:     &matrix,
			Distortion: &distortion,
			Width:      ptrInt(defaultWidth),
			Height:     ptrInt(defaultHeight),
		},
		Layout: &layout,
		Estimator: &EstimatorConfig{
			MinMarkers:             ptrInt(est.MinMarkers),
			ReferenceOffsetM:       ptrFloat64(est.ReferenceOffset),
			MaxReprojectionErrorPx: ptrFloat64(est.MaxReprojectionErrorPx),
			MaxIterations:          ptrInt(est.MaxIterations),
		},
		Projection: &projection,
		Telemetry: &TelemetryConfig{
			Listen:        ptrString(defaultListen),
			WaitForClient: ptrBool(false),
			YawDecimals:   ptrInt(telemetry.DefaultYawDecimals),
			WriteTimeout:  ptrString(defaultWriteTimeout.String()),
		},
		History: &HistoryConfig{
			Capacity:       ptrInt(2),
			RequiredFrames: ptrInt(defaultRequiredFrames),
		},
		Trajectory: &TrajectoryConfig{
			OutputDir: ptrString("output"),
			Plot:      ptrBool(false),
		},
		Engine: &EngineConfig{
			FrameTimeout:  ptrString(defaultFrameTimeout.String()),
			StatsInterval: ptrString(defaultStatsInterval.String()),
		},
		Detector: &DetectorConfig{
			Kind:     ptrString(""),
			Fixtures: ptrString(""),
		},
		Archive: &ArchiveConfig{DBPath: ptrString("")},
	}
}

// LoadConfig loads a LocatorConfig from a JSON file. The file must have a
// .json extension and be under 1MB.
func LoadConfig(path string) (*LocatorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *LocatorConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/locator/
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *LocatorConfig) Validate() error {
	if err := c.GetIntrinsics().Validate(); err != nil {
		return err
	}
	if w, h := c.GetImageSize(); w < 0 || h < 0 {
		return fmt.Errorf("camera width and height must be non-negative, got %dx%d", w, h)
	}

	if c.Layout != nil {
		if err := c.Layout.Validate(); err != nil {
			return err
		}
	}

	if e := c.Estimator; e != nil {
		if e.MinMarkers != nil && *e.MinMarkers < 1 {
			return fmt.Errorf("min_markers must be at least 1, got %d", *e.MinMarkers)
		}
		if e.ReferenceOffsetM != nil && *e.ReferenceOffsetM < 0 {
			return fmt.Errorf("reference_offset_m must be non-negative, got %f", *e.ReferenceOffsetM)
		}
		if e.MaxReprojectionErrorPx != nil && *e.MaxReprojectionErrorPx < 0 {
			return fmt.Errorf("max_reprojection_error_px must be non-negative, got %f", *e.MaxReprojectionErrorPx)
		}
		if e.MaxIterations != nil && *e.MaxIterations < 1 {
			return fmt.Errorf("max_iterations must be at least 1, got %d", *e.MaxIterations)
		}
	}

	if p := c.Projection; p != nil && !(p.ScalePxPerM > 0) {
		return fmt.Errorf("projection scale_px_per_m must be positive, got %f", p.ScalePxPerM)
	}

	if t := c.Telemetry; t != nil {
		if t.YawDecimals != nil && (*t.YawDecimals < 1 || *t.YawDecimals > 3) {
			return fmt.Errorf("yaw_decimals must be between 1 and 3, got %d", *t.YawDecimals)
		}
		if err := validDuration("write_timeout", t.WriteTimeout); err != nil {
			return err
		}
		if t.Serial != nil && t.Serial.Port != "" {
			if _, err := t.Serial.Normalize(); err != nil {
				return fmt.Errorf("telemetry serial: %w", err)
			}
		}
	}

	if h := c.History; h != nil {
		if h.Capacity != nil && *h.Capacity < 1 {
			return fmt.Errorf("history capacity must be at least 1, got %d", *h.Capacity)
		}
		if h.RequiredFrames != nil && *h.RequiredFrames < 0 {
			return fmt.Errorf("history required_frames must be non-negative, got %d", *h.RequiredFrames)
		}
	}

	if e := c.Engine; e != nil {
		if err := validDuration("frame_timeout", e.FrameTimeout); err != nil {
			return err
		}
		if err := validDuration("stats_interval", e.StatsInterval); err != nil {
			return err
		}
	}

	return nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetIntrinsics returns the camera calibration.
func (c *LocatorConfig) GetIntrinsics() camera.Intrinsics {
	in := camera.Intrinsics{Matrix: defaultMatrix, Distortion: defaultDistortion}
	if c.Camera != nil {
		if c.Camera.Matrix != nil {
			in.Matrix = *c.Camera.Matrix
		}
		if c.Camera.Distortion != nil {
			in.Distortion = *c.Camera.Distortion
		}
	}
	return in
}

// GetImageSize returns the expected frame size in pixels.
func (c *LocatorConfig) GetImageSize() (int, int) {
	w, h := defaultWidth, defaultHeight
	if c.Camera != nil {
		if c.Camera.Width != nil {
			w = *c.Camera.Width
		}
		if c.Camera.Height != nil {
			h = *c.Camera.Height
		}
	}
	return w, h
}

// GetLayout returns the marker layout.
func (c *LocatorConfig) GetLayout() markermap.Layout {
	if c.Layout == nil {
		return markermap.DefaultLayout()
	}
	return *c.Layout
}

// GetEstimatorConfig returns the pose estimator configuration.
func (c *LocatorConfig) GetEstimatorConfig() pose.EstimatorConfig {
	cfg := pose.DefaultEstimatorConfig()
	e := c.Estimator
	if e == nil {
		return cfg
	}
	if e.MinMarkers != nil {
		cfg.MinMarkers = *e.MinMarkers
	}
	if e.ReferenceOffsetM != nil {
		cfg.ReferenceOffset = *e.ReferenceOffsetM
	}
	if e.MaxReprojectionErrorPx != nil {
		cfg.MaxReprojectionErrorPx = *e.MaxReprojectionErrorPx
	}
	if e.MaxIterations != nil {
		cfg.MaxIterations = *e.MaxIterations
	}
	return cfg
}

// GetProjection returns the world-to-map projection.
func (c *LocatorConfig) GetProjection() pose.Projection {
	if c.Projection == nil {
		return pose.DefaultProjection()
	}
	return *c.Projection
}

// GetServerConfig returns the TCP telemetry server configuration.
func (c *LocatorConfig) GetServerConfig() telemetry.ServerConfig {
	cfg := telemetry.ServerConfig{
		Address:      defaultListen,
		YawDecimals:  telemetry.DefaultYawDecimals,
		WriteTimeout: defaultWriteTimeout,
	}
	t := c.Telemetry
	if t == nil {
		return cfg
	}
	if t.Listen != nil {
		cfg.Address = *t.Listen
	}
	if t.YawDecimals != nil {
		cfg.YawDecimals = *t.YawDecimals
	}
	cfg.WriteTimeout = durationOr(t.WriteTimeout, defaultWriteTimeout)
	return cfg
}

// GetWaitForClient reports whether startup blocks until the telemetry
// client connects.
func (c *LocatorConfig) GetWaitForClient() bool {
	if c.Telemetry == nil || c.Telemetry.WaitForClient == nil {
		return false
	}
	return *c.Telemetry.WaitForClient
}

// GetSerial returns the serial sink settings. ok is false when no port is
// configured.
func (c *LocatorConfig) GetSerial() (port string, opts telemetry.PortOptions, ok bool) {
	if c.Telemetry == nil || c.Telemetry.Serial == nil || c.Telemetry.Serial.Port == "" {
		return "", telemetry.PortOptions{}, false
	}
	return c.Telemetry.Serial.Port, c.Telemetry.Serial.PortOptions, true
}

// GetHistoryCapacity returns the number of previous frames retained.
func (c *LocatorConfig) GetHistoryCapacity() int {
	if c.History == nil || c.History.Capacity == nil {
		return 2
	}
	return *c.History.Capacity
}

// GetRequiredFrames returns the frame count the history must hold before
// the engine reports it ready.
func (c *LocatorConfig) GetRequiredFrames() int {
	if c.History == nil || c.History.RequiredFrames == nil {
		return defaultRequiredFrames
	}
	return *c.History.RequiredFrames
}

// GetOutputDir returns the trajectory output directory.
func (c *LocatorConfig) GetOutputDir() string {
	if c.Trajectory == nil || c.Trajectory.OutputDir == nil || *c.Trajectory.OutputDir == "" {
		return "output"
	}
	return *c.Trajectory.OutputDir
}

// GetPlot reports whether a trajectory PNG is rendered after flush.
func (c *LocatorConfig) GetPlot() bool {
	if c.Trajectory == nil || c.Trajectory.Plot == nil {
		return false
	}
	return *c.Trajectory.Plot
}

// GetFrameTimeout returns the per-frame read timeout.
func (c *LocatorConfig) GetFrameTimeout() time.Duration {
	if c.Engine == nil {
		return defaultFrameTimeout
	}
	return durationOr(c.Engine.FrameTimeout, defaultFrameTimeout)
}

// GetStatsInterval returns how often processing statistics are logged.
func (c *LocatorConfig) GetStatsInterval() time.Duration {
	if c.Engine == nil {
		return defaultStatsInterval
	}
	return durationOr(c.Engine.StatsInterval, defaultStatsInterval)
}

// GetDetector returns the detector kind and fixtures path.
func (c *LocatorConfig) GetDetector() (kind, fixtures string) {
	if c.Detector == nil {
		return "", ""
	}
	if c.Detector.Kind != nil {
		kind = *c.Detector.Kind
	}
	if c.Detector.Fixtures != nil {
		fixtures = *c.Detector.Fixtures
	}
	return kind, fixtures
}

// GetDBPath returns the run archive path, empty when archiving is off.
func (c *LocatorConfig) GetDBPath() string {
	if c.Archive == nil || c.Archive.DBPath == nil {
		return ""
	}
	return *c.Archive.DBPath
}
