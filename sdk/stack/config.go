// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stack

import (
	"fmt"
	"strings"
)

// Strictness controls how a protocol violation by the host is handled.
type Strictness uint8

const (
	// Report returns the violation to the caller and keeps running.
	Report Strictness = iota
	// Fatal additionally hands the violation to Config.OnFatal.
	Fatal
)

func (s Strictness) String() string {
	switch s {
	case Report:
		return "report"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseStrictness parses the string form of a Strictness.
func ParseStrictness(s string) (Strictness, error) {
	switch strings.ToLower(s) {
	case "report":
		return Report, nil
	case "fatal":
		return Fatal, nil
	default:
		return Report, fmt.Errorf("unknown strictness %q", s)
	}
}

var DefaultBlockCacheConfig = BlockCacheConfig{
	Decided:    1024,
	Unverified: 1024,
	Missing:    1024,
	BytesToID:  1024,
}

type BlockCacheConfig struct {
	Decided    int
	Unverified int
	Missing    int
	BytesToID  int
}

var DefaultConfig = Config{
	Cache:      DefaultBlockCacheConfig,
	Strictness: Report,
}

type Config struct {
	Cache      BlockCacheConfig
	Strictness Strictness

	// OnFatal is called with the violation when Strictness is Fatal. It is
	// expected to bring the process down.
	OnFatal func(error)
}
