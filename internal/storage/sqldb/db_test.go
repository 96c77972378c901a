package sqldb

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{`SELECT "odd?col" FROM t WHERE a IN (?, ?, ?)`, `SELECT "odd?col" FROM t WHERE a IN ($1, $2, $3)`},
	}
	for _, tc := range tests {
		if got := Rebind(tc.in); got != tc.want {
			t.Errorf("Rebind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTruncateQuery(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncateQuery(string(long)); len(got) >= len(long) {
		t.Fatalf("expected long query to be truncated, got %d chars", len(got))
	}
	if got := truncateQuery("SELECT 1"); got != "SELECT 1" {
		t.Fatalf("short queries are kept whole, got %q", got)
	}
}
