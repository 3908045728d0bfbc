// Package config parses the CLI surface consumed by the core (see spec §6):
// listen address, services root, and the per-sandbox resource limits that
// become the defaults for every request's sandbox.Config.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Config is the validated result of parsing the CLI surface.
type Config struct {
	IP               string
	Port             uint16
	ServicesDir      string
	MemLimitMiB      uint64
	ServiceTimeoutMs uint64
	CPUTimeLimitMs   uint64 // 0 disables the CPU-time limit
	NoModuleCache    bool
	ImportMapPath    string
	Env              map[string]string
}

// envFlag implements flag.Value for repeatable --env KEY=VALUE.
type envFlag struct{ m map[string]string }

func (e *envFlag) String() string { return "" }

func (e *envFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("config: --env must be KEY=VALUE, got %q", s)
	}
	e.m[k] = v
	return nil
}

// Parse parses args (typically os.Args[1:]) into a validated Config.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("edgefabric", flag.ContinueOnError)

	ip := fs.String("ip", "127.0.0.1", "listen IP address")
	port := fs.Uint("port", 9000, "listen port")
	servicesDir := fs.String("services-dir", "./services", "root directory of user functions")
	memLimit := fs.Uint64("mem-limit-mib", 150, "per-sandbox heap limit, in MiB")
	timeout := fs.Uint64("service-timeout-ms", 60_000, "per-sandbox wall-clock limit, in ms")
	cpuLimit := fs.Uint64("cpu-time-limit-ms", 0, "per-sandbox CPU-time limit, in ms (0 disables)")
	noModuleCache := fs.Bool("no-module-cache", false, "disable the module cache")
	importMap := fs.String("import-map", "", "path to an import-map document")

	env := &envFlag{m: map[string]string{}}
	fs.Var(env, "env", "KEY=VALUE environment entry exposed to sandboxes; repeatable")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if net.ParseIP(*ip) == nil {
		return Config{}, fmt.Errorf("config: invalid --ip %q", *ip)
	}
	if *port == 0 || *port > 65535 {
		return Config{}, fmt.Errorf("config: --port out of range: %d", *port)
	}
	if *servicesDir == "" {
		return Config{}, errors.New("config: --services-dir is required")
	}
	if *memLimit == 0 {
		return Config{}, errors.New("config: --mem-limit-mib must be > 0")
	}
	if *timeout == 0 {
		return Config{}, errors.New("config: --service-timeout-ms must be > 0")
	}

	return Config{
		IP:               *ip,
		Port:             uint16(*port),
		ServicesDir:      *servicesDir,
		MemLimitMiB:      *memLimit,
		ServiceTimeoutMs: *timeout,
		CPUTimeLimitMs:   *cpuLimit,
		NoModuleCache:    *noModuleCache,
		ImportMapPath:    *importMap,
		Env:              env.m,
	}, nil
}

// Addr formats the listen address for net.Listen.
func (c Config) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(int(c.Port)))
}
