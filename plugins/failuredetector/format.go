package failuredetector

import (
	"fmt"
	"html"
	"strings"
	"time"

	"failuredetector/internal/detector"
	"failuredetector/internal/inference"
	"failuredetector/internal/storage"
)

func pct(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *p*100)
}

func statusIcon(s string) string {
	switch s {
	case string(detector.StatusIdle):
		return "✅"
	case string(detector.StatusFailure):
		return "🛑"
	case string(detector.StatusError):
		return "⚠️"
	case string(detector.StatusChecking):
		return "🔎"
	}
	return "•"
}

func formatFailureAlert(r detector.Result, threshold float64, file string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛑 Print failure detected: %s (threshold %.0f%%)\n", pct(r.Probability), threshold*100)
	if file != "" {
		fmt.Fprintf(&b, "Job: %s\n", file)
	}
	switch {
	case r.Paused:
		b.WriteString("The print has been paused.")
	case r.ErrorDetail != "":
		fmt.Fprintf(&b, "Pause FAILED: %s", r.ErrorDetail)
	default:
		b.WriteString("Monitoring was not active; the print was not paused.")
	}
	fmt.Fprintf(&b, "\nRef: %s", r.SnapshotRef)
	return b.String()
}

func formatErrorAlert(r detector.Result) string {
	return "⚠️ Failure detector check failed: " + r.ErrorDetail
}

func formatResultLine(r detector.Result) string {
	line := fmt.Sprintf("%s <b>%s</b> %s", statusIcon(string(r.Status)), r.Status, r.At.Format("15:04:05"))
	if r.Probability != nil {
		line += " p=" + pct(r.Probability)
	}
	if r.ErrorDetail != "" {
		line += " · " + html.EscapeString(r.ErrorDetail)
	}
	return line
}

type statusView struct {
	Active     bool             `json:"active"`
	Last       *detector.Result `json:"last,omitempty"`
	Model      inference.Info   `json:"model"`
	Settings   settingsView     `json:"settings"`
	PrintFile  string           `json:"print_file,omitempty"`
	PrintState string           `json:"print_state,omitempty"`
}

type settingsView struct {
	CheckIntervalSeconds       int     `json:"check_interval_seconds"`
	FailureConfidenceThreshold float64 `json:"failure_confidence_threshold"`
	SnapshotSourceURL          string  `json:"snapshot_source_url"`
	SnapshotTimeout            string  `json:"snapshot_timeout"`
	ModelDir                   string  `json:"model_dir"`
}

func formatStatus(v statusView) string {
	var b strings.Builder
	b.WriteString("<b>Failure detector</b>\n")
	mon := "idle"
	if v.Active {
		mon = "monitoring"
	}
	fmt.Fprintf(&b, "State: %s\n", mon)
	if v.PrintFile != "" {
		fmt.Fprintf(&b, "Print: %s (%s)\n", html.EscapeString(v.PrintFile), html.EscapeString(v.PrintState))
	}
	if v.Model.Loaded {
		fmt.Fprintf(&b, "Model: %s [%s, %s]\n", html.EscapeString(v.Model.Name), v.Model.Backend, v.Model.Output)
	} else {
		fmt.Fprintf(&b, "Model: not loaded (%s)\n", html.EscapeString(v.Model.Error))
	}
	s := v.Settings
	fmt.Fprintf(&b, "Interval: %ds · threshold: %.0f%%\n", s.CheckIntervalSeconds, s.FailureConfidenceThreshold*100)
	if v.Last != nil {
		b.WriteString("Last: " + formatResultLine(*v.Last))
	} else {
		b.WriteString("Last: no checks yet")
	}
	return b.String()
}

func formatHistory(ds []storage.Detection) string {
	if len(ds) == 0 {
		return "No detections recorded yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Last %d detections</b>\n", len(ds))
	for _, d := range ds {
		fmt.Fprintf(&b, "%s %s %s", statusIcon(d.Status), d.At.Format("01-02 15:04:05"), d.Status)
		if d.Probability != nil {
			fmt.Fprintf(&b, " p=%s", pct(d.Probability))
		}
		if d.Paused {
			b.WriteString(" ⏸")
		}
		if d.ErrorDetail != "" {
			b.WriteString(" · " + html.EscapeString(d.ErrorDetail))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSummary(st storage.Stats, since time.Time) string {
	if st.Total == 0 {
		return fmt.Sprintf("📊 Failure detector: no checks since %s.", since.Format("2006-01-02 15:04"))
	}
	return fmt.Sprintf(
		"📊 Failure detector since %s\n"+
			"Checks: %d (ok %d · failures %d · errors %d)\n"+
			"Pauses: %d · peak probability: %.1f%%",
		since.Format("2006-01-02 15:04"),
		st.Total, st.Idle, st.Failures, st.Errors,
		st.Pauses, st.MaxProbability*100,
	)
}
