package app

import (
	"fmt"
	"os"

	"vaultline/internal/config"
)

// ResolveConfig loads the workspace config, seeding the default file on
// first use so a fresh workspace works without a manual init step.
func ResolveConfig(workspace, custodyID string) (*config.Config, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if custodyID == "" {
			custodyID = "default"
		}
		if err := os.WriteFile(path, []byte(config.GenerateDefault(custodyID)), 0o644); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
	}
	return config.Load(workspace)
}
