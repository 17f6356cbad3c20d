package transport

import (
	"os"
	"os/exec"
	"path/filepath"
)

// defaultCLIName is the binary the subprocess transport looks for when
// no explicit path is configured.
const defaultCLIName = "claude"

// FindCLI locates the agent CLI binary: $PATH first, then the usual
// install locations for npm/yarn-distributed CLIs.
func FindCLI() (string, error) {
	if path, err := exec.LookPath(defaultCLIName); err == nil {
		return path, nil
	}

	searched := []string{"$PATH"}
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	candidates := []string{
		filepath.Join(home, ".npm-global", "bin", defaultCLIName),
		filepath.Join("/usr", "local", "bin", defaultCLIName),
		filepath.Join(home, ".local", "bin", defaultCLIName),
		filepath.Join(home, "node_modules", ".bin", defaultCLIName),
		filepath.Join(home, ".yarn", "bin", defaultCLIName),
	}

	for _, candidate := range candidates {
		searched = append(searched, candidate)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", &CLINotFoundError{Searched: searched}
}
