package executor

import (
	"strings"
	"testing"
)

func TestContainerName(t *testing.T) {
	name := containerName("1f2e3d4c-5b6a-7980-aaaa-bbbbccccdddd", "download", 2)
	if !strings.HasPrefix(name, "dataloom-1f2e3d4c5b6a-") {
		t.Fatalf("name=%q, want shortened run id prefix", name)
	}
	if !strings.HasSuffix(name, "-download-a2") {
		t.Fatalf("name=%q, want task and attempt suffix", name)
	}
}

func TestContainerName_SanitizesTaskID(t *testing.T) {
	name := containerName("run", "convert csv/columnar", 1)
	for _, c := range name {
		ok := c == '-' || c == '_' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			t.Fatalf("name=%q contains invalid rune %q", name, c)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abc"); got != "abc" {
		t.Fatalf("shortID(abc)=%q", got)
	}
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortID()=%q, want 12 chars", got)
	}
}
