package main

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/stuffwatch/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the stuffwatch configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump the effective configuration as YAML with changed settings highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(out)
		red.Fprintf(out, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(out, "   - %s\n", key)
		}
		fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		settings, err := config.LoadSettings(configPath)
		if err != nil {
			return err
		}
		return dumpSettings(cmd, settings, config.DefaultSettings())
	}

	return nil
}

// dumpSettings prints the effective settings as YAML, then the keys that
// differ from the defaults.
func dumpSettings(cmd *cobra.Command, settings, defaults map[string]any) error {
	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	redactSecrets(settings)
	redactSecrets(defaults)

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(out, "EFFECTIVE CONFIGURATION")
	fmt.Fprintln(out, strings.Repeat("=", 80))
	fmt.Fprint(out, string(data))

	changed := changedKeys(flatten("", settings), flatten("", defaults))
	if len(changed) > 0 {
		cyan.Fprintln(out, "\n[modified from default]")
		for _, c := range changed {
			yellow.Fprintf(out, "  %s = %v  (default: %v)\n", c.key, c.value, c.def)
		}
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
	return nil
}

type changedKey struct {
	key   string
	value any
	def   any
}

func changedKeys(current, defaults map[string]any) []changedKey {
	var changed []changedKey
	for key, value := range current {
		def := defaults[key]
		if fmt.Sprint(value) != fmt.Sprint(def) {
			changed = append(changed, changedKey{key: key, value: value, def: def})
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].key < changed[j].key })
	return changed
}

// flatten turns nested settings into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	flat := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				flat[nk] = nv
			}
			continue
		}
		flat[key] = v
	}
	return flat
}

// redactSecrets masks password values in place.
func redactSecrets(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			redactSecrets(val)
		case string:
			if k == "password" && val != "" {
				m[k] = "***REDACTED***"
			}
		}
	}
}
