package store

import (
	"testing"

	"github.com/multi-agent/convo-sync/internal/transcript"
)

func TestRowStatusMapping(t *testing.T) {
	cases := map[transcript.MessageStatus]string{
		transcript.StatusSending: RowStatusSending,
		transcript.StatusSent:    RowStatusSent,
		transcript.StatusFailed:  RowStatusFailed,
	}
	for in, want := range cases {
		got, ok := rowStatus(in)
		if !ok || got != want {
			t.Fatalf("rowStatus(%q) = (%q, %v), want %q", in, got, ok, want)
		}
	}
	if got, ok := rowStatus("mystery"); ok {
		t.Fatalf("未知状态不该映射: %q", got)
	}
}
