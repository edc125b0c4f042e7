// Package dist provides the gradient collective for data-parallel training.
//
// Every process computes gradients on its own batches; after the last
// micro-step the gradients are averaged across processes with
// AllReduceMean so each one applies the same update. Rank 0 also
// broadcasts the initial weights.
//
// The process role comes from the environment, as set by launchers such
// as torchrun: RANK, LOCAL_RANK, WORLD_SIZE, MASTER_ADDR, MASTER_PORT.
package dist

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Environment variable names.
const (
	EnvRank       = "RANK"
	EnvLocalRank  = "LOCAL_RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// Env is the distributed role of this process.
type Env struct {
	Rank       int
	LocalRank  int
	WorldSize  int
	MasterAddr string
	MasterPort string

	distributed bool
}

// FromEnv reads the role from the environment. Without RANK the process
// runs alone (rank 0 of 1).
func FromEnv() (Env, error) {
	return parseEnv(os.Getenv)
}

func parseEnv(getenv func(string) string) (Env, error) {
	if getenv(EnvRank) == "" {
		return Env{WorldSize: 1}, nil
	}

	env := Env{
		MasterAddr:  getenv(EnvMasterAddr),
		MasterPort:  getenv(EnvMasterPort),
		distributed: true,
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{EnvRank, &env.Rank},
		{EnvLocalRank, &env.LocalRank},
		{EnvWorldSize, &env.WorldSize},
	} {
		v, err := strconv.Atoi(getenv(f.name))
		if err != nil {
			return Env{}, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = v
	}

	switch {
	case env.WorldSize < 1:
		return Env{}, fmt.Errorf("%s must be at least 1, got %d", EnvWorldSize, env.WorldSize)
	case env.Rank < 0 || env.Rank >= env.WorldSize:
		return Env{}, fmt.Errorf("%s %d out of range for %s %d", EnvRank, env.Rank, EnvWorldSize, env.WorldSize)
	case env.WorldSize > 1 && (env.MasterAddr == "" || env.MasterPort == ""):
		return Env{}, fmt.Errorf("%s and %s are required when %s > 1", EnvMasterAddr, EnvMasterPort, EnvWorldSize)
	}
	return env, nil
}

// IsDistributed reports whether the process was launched with a rank.
func (e Env) IsDistributed() bool {
	return e.distributed
}

// IsMaster reports whether this process is rank 0.
func (e Env) IsMaster() bool {
	return e.Rank == 0
}

// Addr returns the rendezvous address.
func (e Env) Addr() string {
	return net.JoinHostPort(e.MasterAddr, e.MasterPort)
}
