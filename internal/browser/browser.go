// Package browser opens URLs in the user's default browser, to send them to
// provider authorization pages.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens url in the default browser. The portable launcher covers the
// common cases; when it fails, an OS-specific command is tried before giving
// up, so the caller can fall back to printing the URL for the user.
func OpenURL(url string) error {
	err := open.Run(url)
	if err == nil {
		return nil
	}
	log.Debugf("default browser launcher failed: %v", err)
	return openWithSystemCommand(url)
}

func openWithSystemCommand(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, opener := range []string{"xdg-open", "x-www-browser", "sensible-browser"} {
			if _, err := exec.LookPath(opener); err == nil {
				cmd = exec.Command(opener, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("no browser opener found")
		}
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	return nil
}
