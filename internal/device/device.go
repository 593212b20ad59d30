// Package device profiles the host machine's capabilities — RAM,
// CPU cores, free disk, and whether a hardware accelerator is present
// — and derives a Tier that the router and model manager use to scope
// what local inference work this machine can realistically do.
// Detection is grounded on the host-info approach used elsewhere in
// the retrieval pack (gopsutil for memory/disk, runtime for CPU).
package device

import (
	"context"
	"os/exec"
	"runtime"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Tier buckets a machine's capability for local-model work. Boundaries
// are defined so that a machine sitting exactly on a RAM threshold
// resolves to the higher tier: a "basic" machine is anything with at
// least basicRAMBytes, never less.
type Tier string

const (
	TierMinimal  Tier = "minimal"
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPower    Tier = "power"
	TierServer   Tier = "server"
)

const gib = 1024 * 1024 * 1024

const (
	basicRAMBytes    = 4 * gib
	standardRAMBytes = 8 * gib
	powerRAMBytes    = 16 * gib
	serverRAMBytes   = 32 * gib
)

// Profile describes a machine's derived capability tier and the
// model-selection defaults that follow from it.
type Profile struct {
	Tier              Tier
	TotalRAMBytes     uint64
	FreeDiskBytes     uint64
	Cores             int
	Accelerator       bool
	MaxModelSize      string
	ConcurrentModels  int
	RecommendedModels []string
	ClassifierModel   string
	EmbeddingsLocal   bool
}

// tierForRAM maps a RAM total to a Tier. At a boundary (4/8/16/32 GB)
// it resolves to the higher tier, since each branch tests "< next
// threshold" rather than "<= this threshold".
func tierForRAM(totalBytes uint64) Tier {
	switch {
	case totalBytes < basicRAMBytes:
		return TierMinimal
	case totalBytes < standardRAMBytes:
		return TierBasic
	case totalBytes < powerRAMBytes:
		return TierStandard
	case totalBytes < serverRAMBytes:
		return TierPower
	default:
		return TierServer
	}
}

// tierDefaults returns the model-selection defaults for a tier.
// classifierModel is empty for TierMinimal: the device gate in the
// router sends minimal-tier devices straight to the api tier without
// ever attempting a local classifier load.
func tierDefaults(tier Tier) (maxModelSize string, concurrent int, recommended []string, classifier string, embeddingsLocal bool) {
	switch tier {
	case TierMinimal:
		return "0", 0, nil, "", false
	case TierBasic:
		return "3b", 1, []string{"qwen2.5:3b", "llama3.2:3b"}, "qwen2.5:3b", false
	case TierStandard:
		return "8b", 1, []string{"qwen2.5:7b", "llama3.1:8b"}, "qwen2.5:7b", true
	case TierPower:
		return "14b", 2, []string{"qwen2.5:14b", "llama3.1:8b", "qwen2.5:7b"}, "qwen2.5:7b", true
	case TierServer:
		return "32b", 3, []string{"qwen2.5:32b", "qwen2.5:14b", "llama3.1:8b"}, "qwen2.5:7b", true
	default:
		return "0", 0, nil, "", false
	}
}

// Detect probes the current machine and derives its Profile. It never
// returns an error: any probe that fails (disk stat on an unusual
// mount, accelerator detection on an unrecognized platform) degrades
// to a zero value rather than blocking startup, matching the spec's
// "never fatal" treatment of capability detection.
func Detect(ctx context.Context, dataDir string) Profile {
	var totalRAM uint64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		totalRAM = vm.Total
	}

	var freeDisk uint64
	if path := dataDir; path != "" {
		if du, err := disk.UsageWithContext(ctx, path); err == nil {
			freeDisk = du.Free
		}
	}

	tier := tierForRAM(totalRAM)
	maxModelSize, concurrent, recommended, classifier, embeddingsLocal := tierDefaults(tier)

	return Profile{
		Tier:              tier,
		TotalRAMBytes:     totalRAM,
		FreeDiskBytes:     freeDisk,
		Cores:             runtime.NumCPU(),
		Accelerator:       hasAccelerator(),
		MaxModelSize:      maxModelSize,
		ConcurrentModels:  concurrent,
		RecommendedModels: recommended,
		ClassifierModel:   classifier,
		EmbeddingsLocal:   embeddingsLocal,
	}
}

// hasAccelerator does a best-effort check for a usable GPU: Apple
// Silicon always qualifies (Metal), Linux/Windows check for an
// nvidia-smi binary on PATH. A false result just means local
// inference runs on CPU — it never blocks the tier calculation.
func hasAccelerator() bool {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}
