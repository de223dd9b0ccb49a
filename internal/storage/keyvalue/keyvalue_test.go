package keyvalue

import "testing"

func TestScanPatternEscapesHostileTenant(t *testing.T) {
	cases := []struct {
		tenant string
		want   string
	}{
		{"tenant-a", "tc:tenant-a:ioc:*"},
		{"*", `tc:\*:ioc:*`},
		{"a?b", `tc:a\?b:ioc:*`},
		{"[a-z]", `tc:\[a-z\]:ioc:*`},
		{`a\*`, `tc:a\\\*:ioc:*`},
	}
	for _, tc := range cases {
		got := iocKey(escapeGlob(tc.tenant), "*")
		if got != tc.want {
			t.Errorf("tenant %q: pattern = %q, want %q", tc.tenant, got, tc.want)
		}
	}
}
