package device

import (
	"context"
	"testing"
)

func TestTierForRAMBoundaries(t *testing.T) {
	cases := []struct {
		ram  uint64
		want Tier
	}{
		{1 * gib, TierMinimal},
		{basicRAMBytes - 1, TierMinimal},
		{basicRAMBytes, TierBasic},
		{standardRAMBytes - 1, TierBasic},
		{standardRAMBytes, TierStandard},
		{powerRAMBytes - 1, TierStandard},
		{powerRAMBytes, TierPower},
		{serverRAMBytes - 1, TierPower},
		{serverRAMBytes, TierServer},
		{64 * gib, TierServer},
	}
	for _, c := range cases {
		if got := tierForRAM(c.ram); got != c.want {
			t.Errorf("tierForRAM(%d) = %v, want %v", c.ram, got, c.want)
		}
	}
}

func TestTierDefaultsMinimalHasNoClassifier(t *testing.T) {
	_, concurrent, recommended, classifier, embeddingsLocal := tierDefaults(TierMinimal)
	if classifier != "" || concurrent != 0 || recommended != nil || embeddingsLocal {
		t.Fatalf("minimal tier should have no local-model defaults")
	}
}

func TestTierDefaultsServerHasMultipleConcurrent(t *testing.T) {
	_, concurrent, recommended, _, _ := tierDefaults(TierServer)
	if concurrent < 2 || len(recommended) == 0 {
		t.Fatalf("server tier should support multiple concurrent models")
	}
}

func TestDetectNeverBlocks(t *testing.T) {
	p := Detect(context.Background(), "")
	if p.Cores <= 0 {
		t.Fatal("Detect should always report at least one core")
	}
}
