package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/dashpipe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing dashpipe configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  dashpipe config dump > .dashpipe.yaml

Configuration can be set via:
  - Config file (.dashpipe.yaml in $HOME, the working directory or /etc/dashpipe)
  - Environment variables (DASHPIPE_FETCHER_MAX_BUFFER, DASHPIPE_HTTP_TIMEOUT, etc.)
  - Command-line flags (for some options)

Environment variables use the DASHPIPE_ prefix and underscores for nesting.
Example: fetcher.max_buffer -> DASHPIPE_FETCHER_MAX_BUFFER`,
	RunE: runConfigDump,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Show the configuration after applying the config file and environment variables.`,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configShowCmd)
}

// toMap converts a struct to a map keyed by mapstructure tags, formatting
// durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func marshalConfig(cfg *config.Config) (string, error) {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	return string(yamlData), nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Defaults only, no file
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	out, err := marshalConfig(cfg)
	if err != nil {
		return err
	}

	fmt.Println("# dashpipe Configuration File")
	fmt.Println("# ============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 500ms, 4s, 1m")
	fmt.Println("# Size format: 64MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   DASHPIPE_LOGGING_LEVEL, DASHPIPE_LOGGING_FORMAT")
	fmt.Println("#   DASHPIPE_FETCHER_MIN_BUFFER, DASHPIPE_FETCHER_MAX_BUFFER")
	fmt.Println("#   DASHPIPE_PIPELINE_ADAPTIVE_STREAMING, DASHPIPE_PIPELINE_STREAMS")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(out)

	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := marshalConfig(cfg)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
