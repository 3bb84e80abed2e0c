package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"relpose/internal/config"
)

func (r *Root) configShow() error {
	fmt.Fprintf(r.out, "Config file: %s\n", config.Path())
	if r.dbPath != "" {
		fmt.Fprintf(r.out, "Database (--db): %s\n", r.dbPath)
	}
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s\n", data)
	return nil
}

func (r *Root) cmdVersion() {
	fmt.Fprintf(r.out, "relpose %s\n", version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
}
