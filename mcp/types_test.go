package mcp

import "testing"

func TestVersionHelpers(t *testing.T) {
	t.Parallel()

	if SupportedProtocolVersions[0] != LatestProtocolVersion {
		t.Fatalf("latest version must lead the supported list")
	}
	if !IsSupportedVersion("2025-03-26") || IsSupportedVersion("2099-01-01") {
		t.Fatalf("IsSupportedVersion misreports")
	}
	if !SupportsBatching("2025-03-26") || SupportsBatching(LatestProtocolVersion) {
		t.Fatalf("SupportsBatching misreports")
	}
}
