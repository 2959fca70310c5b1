package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Guests are configured through the environment, the way the
// HermitCore toolchain launches them.
const (
	envMem            = "HERMIT_MEM"
	envCPUs           = "HERMIT_CPUS"
	envVerbose        = "HERMIT_VERBOSE"
	envMergeable      = "HERMIT_MERGEABLE"
	envHugePages      = "HERMIT_HUGEPAGE"
	envIP             = "HERMIT_IP"
	envGateway        = "HERMIT_GATEWAY"
	envMask           = "HERMIT_MASK"
	envNetif          = "HERMIT_NETIF"
	envNetifMAC       = "HERMIT_NETIF_MAC"
	envFullCheckpoint = "HERMIT_FULLCHECKPOINT"
)

const (
	defaultMemSize = 512 << 20
	defaultIP      = "10.0.5.2"
	defaultGateway = "10.0.5.1"
	defaultMask    = "255.255.255.0"
)

var ErrEnvConfig = errors.New("uhyve: invalid environment")

type config struct {
	MemSize        int
	NumCPU         int
	Verbose        bool
	Mergeable      bool
	HugePages      bool
	FullCheckpoint bool
	IP             net.IP
	Gateway        net.IP
	Netmask        net.IP
	Netif          string
	MAC            string
}

func configFromEnv() (cfg config, err error) {
	cfg = config{
		MemSize: defaultMemSize,
		NumCPU:  1,
		Netif:   os.Getenv(envNetif),
		MAC:     os.Getenv(envNetifMAC),
	}

	if v := os.Getenv(envMem); v != "" {
		size, err := memparse(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", ErrEnvConfig, envMem, err)
		}

		cfg.MemSize = int(size)
	}

	if v := os.Getenv(envCPUs); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("%w: %s=%q", ErrEnvConfig, envCPUs, v)
		}

		cfg.NumCPU = n
	}

	cfg.Verbose = boolEnv(envVerbose)
	cfg.Mergeable = boolEnv(envMergeable)
	cfg.HugePages = boolEnv(envHugePages)
	cfg.FullCheckpoint = boolEnv(envFullCheckpoint)

	for _, f := range []struct {
		env  string
		def  string
		into *net.IP
	}{
		{envIP, defaultIP, &cfg.IP},
		{envGateway, defaultGateway, &cfg.Gateway},
		{envMask, defaultMask, &cfg.Netmask},
	} {
		v := os.Getenv(f.env)
		if v == "" {
			v = f.def
		}

		ip := net.ParseIP(v)
		if ip == nil || ip.To4() == nil {
			return cfg, fmt.Errorf("%w: %s=%q", ErrEnvConfig, f.env, v)
		}

		*f.into = ip
	}

	return cfg, nil
}

// boolEnv reports whether the variable is set to anything but "0".
func boolEnv(key string) bool {
	v := os.Getenv(key)
	return v != "" && v != "0"
}

// memparse reads a size with an optional K, M, G, T, P, or E suffix.
func memparse(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty size")
	}

	shift := 0

	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		shift, s = 10, s[:len(s)-1]
	case "M":
		shift, s = 20, s[:len(s)-1]
	case "G":
		shift, s = 30, s[:len(s)-1]
	case "T":
		shift, s = 40, s[:len(s)-1]
	case "P":
		shift, s = 50, s[:len(s)-1]
	case "E":
		shift, s = 60, s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}

	if n<<shift>>shift != n {
		return 0, fmt.Errorf("size %q overflows", s)
	}

	return n << shift, nil
}
