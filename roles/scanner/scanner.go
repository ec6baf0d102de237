// Package scanner defines the artifact scanning contract used by the
// microengine and arbiter roles.
package scanner

import (
	"context"
	"encoding/json"
	"runtime"
)

// Result is the outcome of scanning one artifact.
type Result struct {
	// Bit reports whether the engine asserts on the artifact at all.
	Bit        bool
	Verdict    bool
	Confidence float64
	Metadata   string
}

// Scanner inspects artifact content.
type Scanner interface {
	Scan(ctx context.Context, guid string, content []byte, chain string) (Result, error)
}

// Func adapts a function to the Scanner interface.
type Func func(ctx context.Context, guid string, content []byte, chain string) (Result, error)

func (f Func) Scan(ctx context.Context, guid string, content []byte, chain string) (Result, error) {
	return f(ctx, guid, content, chain)
}

// Metadata is the verdict metadata attached to assertions.
type Metadata struct {
	MalwareFamily string      `json:"malware_family"`
	Scanner       ScannerInfo `json:"scanner"`
}

type ScannerInfo struct {
	OperatingSystem string `json:"operating_system"`
	Architecture    string `json:"architecture"`
}

// NewMetadata fills in the host platform.
func NewMetadata(family string) Metadata {
	return Metadata{
		MalwareFamily: family,
		Scanner: ScannerInfo{
			OperatingSystem: runtime.GOOS,
			Architecture:    runtime.GOARCH,
		},
	}
}

func (m Metadata) String() string {
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
