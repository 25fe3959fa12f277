package misc

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CopyConfigTemplate seeds a fresh config file from the bundled example so a
// first run starts from a documented configuration instead of an error.
func CopyConfigTemplate(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read config template: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err = os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	log.Infof("created %s from the bundled example config", dst)
	return nil
}
