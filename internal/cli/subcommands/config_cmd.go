package subcommands

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"LunarStudio/internal/config"
)

// RunConfig prints the effective configuration as YAML.
func RunConfig(out io.Writer, cfg config.Config) int {
	fmt.Fprintln(out, "# LunarStudio effective configuration")

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintf(out, "Error marshaling config: %v\n", err)
		return 1
	}
	if err := enc.Close(); err != nil {
		return 1
	}
	return 0
}
