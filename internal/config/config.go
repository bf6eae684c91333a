package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "KWIKREC"

type DefinitionsConfig struct {
	Sources []SourceDefinition `mapstructure:"sources" yaml:"sources"`
}

// SourceDefinition describes one upstream node and the channels it produces.
type SourceDefinition struct {
	ID         string              `mapstructure:"id" yaml:"id"`
	Name       string              `mapstructure:"name" yaml:"name"`
	NodeID     int                 `mapstructure:"node_id" yaml:"node_id"`
	SampleRate float64             `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   []ChannelDefinition `mapstructure:"channels" yaml:"channels"`
}

// ChannelDefinition is a run of Count identical channels. A zero SampleRate
// means the source rate.
type ChannelDefinition struct {
	Name       string  `mapstructure:"name" yaml:"name"`
	Count      int     `mapstructure:"count" yaml:"count"`
	BitVolts   float64 `mapstructure:"bit_volts" yaml:"bit_volts"`
	SampleRate float64 `mapstructure:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

type SourceReference struct {
	Ref        string   `mapstructure:"ref" yaml:"ref"`
	NodeID     *int     `mapstructure:"node_id,omitempty" yaml:"node_id,omitempty"`
	SampleRate *float64 `mapstructure:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

type GlobalsConfig struct {
	Output  GlobalOutputConfig `mapstructure:"output" yaml:"output"`
	Catalog CatalogConfig      `mapstructure:"catalog" yaml:"catalog"`
	Notify  NotifyConfig       `mapstructure:"notify" yaml:"notify"`
	Archive ArchiveConfig      `mapstructure:"archive" yaml:"archive"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Engine       *EngineConfig             `mapstructure:"engine,omitempty" yaml:"engine,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

// Config is a fully resolved profile.
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition" yaml:"acquisition"`
	Sources     []Source          `mapstructure:"sources" yaml:"sources"`
	Electrodes  []Electrode       `mapstructure:"electrodes" yaml:"electrodes"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Catalog     CatalogConfig     `mapstructure:"catalog" yaml:"catalog"`
	Notify      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	Archive     ArchiveConfig     `mapstructure:"archive" yaml:"archive"`

	// Internal field to track inheritance information for the config command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition" yaml:"acquisition"`
	Sources     []SourceReference `mapstructure:"sources" yaml:"sources"`
	Electrodes  []Electrode       `mapstructure:"electrodes" yaml:"electrodes"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
}

// InheritanceInfo records, per setting, whether the value came from the
// selected profile ("profile-specific") or the default profile ("inherited").
type InheritanceInfo struct {
	Engine      string
	Acquisition string
	Electrodes  string
	Output      struct {
		Directory  string
		Experiment string
	}
	Sources map[string]string
}

type EngineConfig struct {
	TimestampBlock int `mapstructure:"timestamp_block" yaml:"timestamp_block"`
	BufferCapacity int `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
}

type AcquisitionConfig struct {
	CallbackInterval time.Duration `mapstructure:"callback_interval" yaml:"callback_interval"`
	Seed             int64         `mapstructure:"seed" yaml:"seed"`
}

// Source is a resolved source definition.
type Source struct {
	ID         string              `mapstructure:"id" yaml:"id"`
	Name       string              `mapstructure:"name" yaml:"name"`
	NodeID     int                 `mapstructure:"node_id" yaml:"node_id"`
	SampleRate float64             `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   []ChannelDefinition `mapstructure:"channels" yaml:"channels"`
}

type Electrode struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Channels int    `mapstructure:"channels" yaml:"channels"`
}

type OutputConfig struct {
	Directory  string `mapstructure:"directory" yaml:"directory"`
	Experiment int    `mapstructure:"experiment" yaml:"experiment"`
}

type CatalogConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
}

// ChannelCount returns the number of channels the source produces.
func (s Source) ChannelCount() int {
	n := 0
	for _, ch := range s.Channels {
		n += ch.Count
	}
	return n
}

// DefaultConfig returns the settings applied under every profile.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			TimestampBlock: 1024,
			BufferCapacity: 10000,
		},
		Acquisition: AcquisitionConfig{
			CallbackInterval: 20 * time.Millisecond,
			Seed:             1,
		},
		Output: OutputConfig{
			Directory:  filepath.Join(os.Getenv("HOME"), "Recordings", "kwikrec"),
			Experiment: 1,
		},
		Notify: NotifyConfig{
			Topic: "kwikrec.recordings",
		},
		Archive: ArchiveConfig{
			Bucket: "recordings",
			Region: "us-east-1",
		},
	}
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	base := DefaultConfig()
	if rootConfig.Engine != nil {
		mergeEngine(&base.Engine, *rootConfig.Engine)
	}
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			defaultConfig, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			base = *mergeConfigs(&base, defaultConfig)
		}
	}
	selectedConfig = mergeConfigs(&base, selectedConfig)

	if g := rootConfig.Globals; g != nil {
		// Global recordings directory takes priority over profile-specific directory
		if g.Output.RecordingsDirectory != "" {
			selectedConfig.Output.Directory = g.Output.RecordingsDirectory
		}
		selectedConfig.Catalog = g.Catalog
		selectedConfig.Notify = g.Notify
		if selectedConfig.Notify.Topic == "" {
			selectedConfig.Notify.Topic = base.Notify.Topic
		}
		selectedConfig.Archive = g.Archive
		if selectedConfig.Archive.Bucket == "" {
			selectedConfig.Archive.Bucket = base.Archive.Bucket
		}
		if selectedConfig.Archive.Region == "" {
			selectedConfig.Archive.Region = base.Archive.Region
		}
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if _, ok := v.GetStringMap("configs")[strings.ToLower(newActiveConfig)]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// RegisterFlags adds command line overrides for the resolved configuration.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("output-directory", "", "Directory experiments are written to (overrides the profile)")
	fs.Int("output-experiment", d.Output.Experiment, "Experiment number used in container names")
	fs.Int("engine-timestamp-block", d.Engine.TimestampBlock, "Samples between two timestamp markers")
	fs.Int("engine-buffer-capacity", d.Engine.BufferCapacity, "Largest block accepted by one write")
	fs.Duration("acquisition-interval", d.Acquisition.CallbackInterval, "Interval between two acquisition callbacks")
}

// ApplyFlags copies every override the user set on fs into cfg and
// validates the result.
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	if fs.Changed("output-directory") {
		var dir string
		if dir, err = fs.GetString("output-directory"); err != nil {
			return err
		}
		cfg.Output.Directory = expandPath(dir)
	}
	if fs.Changed("output-experiment") {
		if cfg.Output.Experiment, err = fs.GetInt("output-experiment"); err != nil {
			return err
		}
	}
	if fs.Changed("engine-timestamp-block") {
		if cfg.Engine.TimestampBlock, err = fs.GetInt("engine-timestamp-block"); err != nil {
			return err
		}
	}
	if fs.Changed("engine-buffer-capacity") {
		if cfg.Engine.BufferCapacity, err = fs.GetInt("engine-buffer-capacity"); err != nil {
			return err
		}
	}
	if fs.Changed("acquisition-interval") {
		if cfg.Acquisition.CallbackInterval, err = fs.GetDuration("acquisition-interval"); err != nil {
			return err
		}
	}
	return Validate(cfg)
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving source references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Engine:      profile.Engine,
		Acquisition: profile.Acquisition,
		Electrodes:  profile.Electrodes,
		Output:      profile.Output,
	}

	for i, ref := range profile.Sources {
		if ref.Ref == "" {
			return nil, fmt.Errorf("source[%d]: 'ref' is required", i)
		}

		definition := findDefinition(definitions, ref.Ref)
		if definition == nil {
			return nil, fmt.Errorf("source[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		source := Source{
			ID:         definition.ID,
			Name:       definition.Name,
			NodeID:     definition.NodeID,
			SampleRate: definition.SampleRate,
			Channels:   append([]ChannelDefinition(nil), definition.Channels...),
		}
		if ref.NodeID != nil {
			source.NodeID = *ref.NodeID
		}
		if ref.SampleRate != nil {
			source.SampleRate = *ref.SampleRate
		}

		config.Sources = append(config.Sources, source)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *SourceDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Sources {
		if definitions.Sources[i].ID == id {
			return &definitions.Sources[i]
		}
	}
	return nil
}

func mergeEngine(dst *EngineConfig, src EngineConfig) bool {
	changed := false
	if src.TimestampBlock != 0 {
		dst.TimestampBlock = src.TimestampBlock
		changed = true
	}
	if src.BufferCapacity != 0 {
		dst.BufferCapacity = src.BufferCapacity
		changed = true
	}
	return changed
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Sources: only the sources listed in the profile are recorded
// - A listed source missing its rate or channels inherits them from the base source with the same ID
// - Every other setting uses the profile value or falls back to the base
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{Sources: make(map[string]string)}

	if base != nil {
		result.Engine = base.Engine
		result.Acquisition = base.Acquisition
		result.Electrodes = base.Electrodes
		result.Output = base.Output
		result.Catalog = base.Catalog
		result.Notify = base.Notify
		result.Archive = base.Archive

		result.Inheritance.Engine = "inherited"
		result.Inheritance.Acquisition = "inherited"
		result.Inheritance.Electrodes = "inherited"
		result.Inheritance.Output.Directory = "inherited"
		result.Inheritance.Output.Experiment = "inherited"
	}

	if profile == nil {
		if base != nil {
			result.Sources = base.Sources
		}
		return result
	}

	if mergeEngine(&result.Engine, profile.Engine) {
		result.Inheritance.Engine = "profile-specific"
	}
	if profile.Acquisition.CallbackInterval != 0 {
		result.Acquisition.CallbackInterval = profile.Acquisition.CallbackInterval
		result.Inheritance.Acquisition = "profile-specific"
	}
	if profile.Acquisition.Seed != 0 {
		result.Acquisition.Seed = profile.Acquisition.Seed
		result.Inheritance.Acquisition = "profile-specific"
	}
	if len(profile.Electrodes) > 0 {
		result.Electrodes = profile.Electrodes
		result.Inheritance.Electrodes = "profile-specific"
	}
	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	if profile.Output.Experiment != 0 {
		result.Output.Experiment = profile.Output.Experiment
		result.Inheritance.Output.Experiment = "profile-specific"
	}

	result.Sources = make([]Source, 0, len(profile.Sources))
	for _, src := range profile.Sources {
		resolved := src
		origin := "profile-specific"

		if base != nil {
			for _, baseSource := range base.Sources {
				if baseSource.ID != src.ID {
					continue
				}
				if resolved.SampleRate == 0 {
					resolved.SampleRate = baseSource.SampleRate
				}
				if len(resolved.Channels) == 0 {
					resolved.Channels = baseSource.Channels
				}
				if resolved.Name == "" {
					resolved.Name = baseSource.Name
				}
				if resolved.NodeID == baseSource.NodeID && resolved.SampleRate == baseSource.SampleRate {
					origin = "inherited"
				}
				break
			}
		}

		result.Inheritance.Sources[resolved.ID] = origin
		result.Sources = append(result.Sources, resolved)
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration.
func Validate(config *Config) error {
	if len(config.Sources) == 0 {
		return fmt.Errorf("at least one source must be selected")
	}

	seenNodes := make(map[int]string)
	for i, src := range config.Sources {
		prefix := fmt.Sprintf("sources[%d] '%s'", i, src.ID)
		if prev, ok := seenNodes[src.NodeID]; ok {
			return fmt.Errorf("%s: node_id %d already used by '%s'", prefix, src.NodeID, prev)
		}
		seenNodes[src.NodeID] = src.ID

		if err := validateSource(src.Name, src.NodeID, src.SampleRate, src.Channels, prefix); err != nil {
			return err
		}

		for j, ch := range src.Channels {
			rate := ch.SampleRate
			if rate == 0 {
				rate = src.SampleRate
			}
			perCallback := rate * config.Acquisition.CallbackInterval.Seconds()
			if int(perCallback)+1 > config.Engine.BufferCapacity {
				return fmt.Errorf("%s: channels[%d] delivers %.0f samples per callback, more than buffer_capacity %d",
					prefix, j, perCallback, config.Engine.BufferCapacity)
			}
		}
	}

	for i, el := range config.Electrodes {
		if el.Name == "" {
			return fmt.Errorf("electrodes[%d]: 'name' is required", i)
		}
		if el.Channels <= 0 {
			return fmt.Errorf("electrodes[%d] '%s': 'channels' must be > 0, got: %d", i, el.Name, el.Channels)
		}
	}

	if config.Engine.TimestampBlock <= 0 {
		return fmt.Errorf("engine.timestamp_block must be > 0, got: %d", config.Engine.TimestampBlock)
	}
	if config.Engine.BufferCapacity <= 0 {
		return fmt.Errorf("engine.buffer_capacity must be > 0, got: %d", config.Engine.BufferCapacity)
	}
	if config.Acquisition.CallbackInterval <= 0 {
		return fmt.Errorf("acquisition.callback_interval must be > 0, got: %s", config.Acquisition.CallbackInterval)
	}
	if config.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if config.Output.Experiment < 1 {
		return fmt.Errorf("output.experiment must be >= 1, got: %d", config.Output.Experiment)
	}

	if config.Catalog.Enabled && config.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required when the catalog is enabled")
	}
	if config.Notify.Enabled && len(config.Notify.Brokers) == 0 {
		return fmt.Errorf("notify.brokers is required when notifications are enabled")
	}
	if config.Archive.Enabled && (config.Archive.Endpoint == "" || config.Archive.Bucket == "") {
		return fmt.Errorf("archive.endpoint and archive.bucket are required when archiving is enabled")
	}

	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// KWIKREC_GLOBALS_CATALOG_DSN overrides globals.catalog.dsn and so on
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindGlobalEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateSourceReferences(configProfile.Sources, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// bindGlobalEnv makes the globals section overridable from the environment
// even when the file omits it.
func bindGlobalEnv(v *viper.Viper) {
	for _, key := range []string{
		"globals.output.recordings_directory",
		"globals.catalog.enabled",
		"globals.catalog.dsn",
		"globals.notify.enabled",
		"globals.notify.topic",
		"globals.archive.enabled",
		"globals.archive.endpoint",
		"globals.archive.access_key",
		"globals.archive.secret_key",
		"globals.archive.bucket",
	} {
		_ = v.BindEnv(key)
	}
}

func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Sources) == 0 {
		return fmt.Errorf("definitions.sources cannot be empty")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Sources {
		if def.ID == "" {
			return fmt.Errorf("definitions.sources[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.sources[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateSource(def.Name, def.NodeID, def.SampleRate, def.Channels, fmt.Sprintf("definitions.sources[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

func validateSource(name string, nodeID int, rate float64, channels []ChannelDefinition, prefix string) error {
	if name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}
	if nodeID < 0 || nodeID > 255 {
		return fmt.Errorf("%s: 'node_id' must be in [0,255], got: %d", prefix, nodeID)
	}
	if !wholeHz(rate) {
		return fmt.Errorf("%s: 'sample_rate' must be a whole number of Hz >= 1, got: %g", prefix, rate)
	}
	if len(channels) == 0 {
		return fmt.Errorf("%s: 'channels' is required and cannot be empty", prefix)
	}

	for j, ch := range channels {
		if ch.Count <= 0 {
			return fmt.Errorf("%s: channels[%d]: 'count' must be > 0, got: %d", prefix, j, ch.Count)
		}
		if ch.BitVolts <= 0 {
			return fmt.Errorf("%s: channels[%d]: 'bit_volts' must be > 0, got: %g", prefix, j, ch.BitVolts)
		}
		if ch.SampleRate != 0 && !wholeHz(ch.SampleRate) {
			return fmt.Errorf("%s: channels[%d]: 'sample_rate' must be 0 or a whole number of Hz >= 1, got: %g", prefix, j, ch.SampleRate)
		}
	}

	return nil
}

// wholeHz reports whether rate fits the integer rate field of a channel stream.
func wholeHz(rate float64) bool {
	return rate >= 1 && rate <= math.MaxInt32 && rate == math.Trunc(rate)
}

func validateSourceReferences(sources []SourceReference, definitions *DefinitionsConfig) error {
	for i, ref := range sources {
		prefix := fmt.Sprintf("sources[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		if findDefinition(definitions, ref.Ref) == nil {
			return fmt.Errorf("%s: references undefined source definition '%s'", prefix, ref.Ref)
		}

		if ref.SampleRate != nil && !wholeHz(*ref.SampleRate) {
			return fmt.Errorf("%s: sample_rate override must be a whole number of Hz >= 1, got %g", prefix, *ref.SampleRate)
		}

		if ref.NodeID != nil && (*ref.NodeID < 0 || *ref.NodeID > 255) {
			return fmt.Errorf("%s: node_id override must be in [0,255], got %d", prefix, *ref.NodeID)
		}
	}

	return nil
}
