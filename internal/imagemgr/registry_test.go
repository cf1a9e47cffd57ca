package imagemgr

import "testing"

func TestLinuxPlatformForArch(t *testing.T) {
	t.Parallel()

	for goArch, want := range map[string]struct{ arch, variant string }{
		"amd64":   {"amd64", ""},
		"arm64":   {"arm64", "v8"},
		"arm":     {"arm", "v7"},
		"ppc64le": {"ppc64le", ""},
		"s390x":   {"s390x", ""},
	} {
		got := linuxPlatformForArch(goArch)
		if got.OS != "linux" || got.Architecture != want.arch || got.Variant != want.variant {
			t.Fatalf("unexpected platform for %s: got %s/%s/%s want linux/%s/%s", goArch, got.OS, got.Architecture, got.Variant, want.arch, want.variant)
		}
	}
}
