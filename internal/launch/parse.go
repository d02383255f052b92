package launch

import (
	"strings"
)

// Parsed is the recovered view of a compiled docker-run argv, used by the
// launch-profile endpoints and tests.
type Parsed struct {
	ROMounts      []string
	RWMounts      []string
	EnvVars       []string
	Image         string
	ContainerArgs []string
}

// flags taking a value in the argv the compiler can emit.
var valueFlags = map[string]bool{
	"--name":      true,
	"--user":      true,
	"--group-add": true,
	"--workdir":   true,
	"--tmpfs":     true,
	"-e":          true,
	"-v":          true,
}

// ParseRunArgs recovers mounts, env vars, and the container argv from a
// compiled command. Hub-internal mounts (workspace, /tmp, credential files)
// are not reported.
func ParseRunArgs(argv []string) Parsed {
	var out Parsed
	i := 0
	// Skip the "docker run" prefix if present.
	if len(argv) > 0 && argv[0] == "docker" {
		i = 1
	}
	if i < len(argv) && argv[i] == "run" {
		i++
	}

	for i < len(argv) {
		arg := argv[i]
		if !strings.HasPrefix(arg, "-") {
			out.Image = arg
			out.ContainerArgs = append([]string{}, argv[i+1:]...)
			return out
		}
		if !valueFlags[arg] {
			i++
			continue
		}
		if i+1 >= len(argv) {
			return out
		}
		value := argv[i+1]
		switch arg {
		case "-e":
			out.EnvVars = append(out.EnvVars, value)
		case "-v":
			if mount, keep := classifyMount(value); keep {
				if strings.HasSuffix(value, ":ro") {
					out.ROMounts = append(out.ROMounts, mount)
				} else {
					out.RWMounts = append(out.RWMounts, mount)
				}
			}
		}
		i += 2
	}
	return out
}

// classifyMount filters out the mounts the compiler adds on its own.
func classifyMount(value string) (string, bool) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 {
		return value, true
	}
	target := parts[1]
	switch {
	case target == ContainerWorkspace:
		return "", false
	case target == "/tmp":
		return "", false
	case strings.HasPrefix(target, credMountDir+"/"):
		return "", false
	}
	return value, true
}
