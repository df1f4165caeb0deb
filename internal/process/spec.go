package process

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/mongovisr/internal/config"
	"github.com/loykin/mongovisr/internal/env"
)

// DefaultFlags are appended when no custom launch arguments are configured.
// Network listening is restricted to the loopback interface.
var DefaultFlags = []string{"--directoryperdb", "--quiet", "--bind_ip", "127.0.0.1"}

// Spec describes how mongod is launched.
type Spec struct {
	Bin       string
	DBPath    string // also the working directory
	Port      int
	CmdLaunch string // replaces DefaultFlags when set
	Env       []string
}

// SpecFromConfig builds a Spec from a resolved config.
func SpecFromConfig(c *config.Config) Spec {
	return Spec{Bin: c.Bin, DBPath: c.DBPath, Port: c.Port, CmdLaunch: c.CmdLaunch, Env: c.Env}
}

// Args returns the mongod arguments: required options first, then custom or default flags.
func (s Spec) Args() []string {
	port := s.Port
	if port <= 0 {
		port = config.DefaultPort
	}
	args := []string{"--dbpath", ".", "--port", strconv.Itoa(port)}
	if custom := strings.Fields(s.CmdLaunch); len(custom) > 0 {
		return append(args, custom...)
	}
	return append(args, DefaultFlags...)
}

// BuildCommand constructs the detached *exec.Cmd running in DBPath.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- binary and flags come from the operator's config
	cmd := exec.Command(s.Bin, s.Args()...)
	cmd.Dir = s.DBPath
	cmd.Env = env.ForProcess(s.Env)
	configureSysProcAttr(cmd)
	return cmd
}

// MonthlyLogPath is <dir>/<YYYY>-<MM>.txt for the UTC month of t.
func MonthlyLogPath(dir string, t time.Time) string {
	t = t.UTC()
	return filepath.Join(dir, fmt.Sprintf("%04d-%02d.txt", t.Year(), int(t.Month())))
}
