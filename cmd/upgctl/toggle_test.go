package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/upgraded/pkg/events"
)

func TestWriteToggle(t *testing.T) {
	tests := []struct {
		name string
		ts   events.ToggleState
		want []string
	}{
		{
			name: "pending with label",
			ts: events.ToggleState{
				NextMode: "dual-tournament",
				Label:    "Dual Tournament",
				Hotkey:   "t",
				Pending:  true,
			},
			want: []string{
				"Next Session Mode: Dual Tournament (dual-tournament)",
				"Pending: yes",
				"Hotkey: t",
			},
		},
		{
			name: "label falls back to mode id",
			ts: events.ToggleState{
				NextMode: "single-continuous",
			},
			want: []string{
				"Next Session Mode: single-continuous (single-continuous)",
				"Pending: no",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writeToggle(&buf, tt.ts)
			out := buf.String()

			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("writeToggle() output missing %q:\n%s", want, out)
				}
			}
		})
	}
}
