package main

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

func printStartupBanner(rt *app, capturesOK, storeOK bool) {
	cfg := rt.cfg

	titleLine := fmt.Sprintf("LayerProbe v%s", version)
	subtitleLine := "Progressive Layer Diagnostic & Replay Engine"

	var lines []string
	lines = append(lines, fmt.Sprintf("🚀 Listening on:   http://0.0.0.0:%d%s", cfg.Server.Port, cfg.Server.AdminPath))
	if cfg.Server.MetricsPath != "" {
		lines = append(lines, fmt.Sprintf("📈 Metrics:        %s", cfg.Server.MetricsPath))
	}
	lines = append(lines, fmt.Sprintf("📊 Log Level:      %s", cfg.Log.Level))
	auth := "Disabled"
	if cfg.Server.Token != "" {
		auth = "Bearer token"
	}
	lines = append(lines, fmt.Sprintf("🔒 Auth:           %s", auth))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("🌐 Environments:   %d", len(cfg.EnvironmentNames())))
	for _, name := range cfg.EnvironmentNames() {
		lines = append(lines, fmt.Sprintf("   └─ %s", name))
	}

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("💾 Reports:        %s", availability(storeOK, cfg.Storage.Path)))
	lines = append(lines, fmt.Sprintf("🎞️ Captures:       %s", availability(capturesOK, cfg.Capture.Path)))
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, fmt.Sprintf("📝 File Logging:   %s (%dMB, %d backups)",
			cfg.Log.FileLogging.Path, cfg.Log.FileLogging.MaxSizeMB, cfg.Log.FileLogging.MaxBackups))
	}

	lines = append(lines, "", "(Press Ctrl+C to stop)")

	maxLength := runewidth.StringWidth(subtitleLine)
	for _, line := range lines {
		if w := runewidth.StringWidth(line); w > maxLength {
			maxLength = w
		}
	}
	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Println()
	printBoxTop(boxWidth)
	printBoxContent(titleLine, boxWidth, true)
	printBoxContent(subtitleLine, boxWidth, true)
	printBoxSeparator(boxWidth)
	for _, line := range lines {
		printBoxContent(line, boxWidth, false)
	}
	printBoxBottom(boxWidth)
	fmt.Println()

	rt.log.Info("LayerProbe starting",
		"version", version,
		"port", cfg.Server.Port,
		"admin_path", cfg.Server.AdminPath,
		"log_level", cfg.Log.Level,
		"environments", cfg.EnvironmentNames(),
		"reports", storeOK,
		"captures", capturesOK,
	)
}

func availability(ok bool, path string) string {
	if ok {
		return path
	}
	return "Unavailable"
}

func printBoxTop(width int) {
	fmt.Printf("┌%s┐\n", strings.Repeat("─", width-2))
}

func printBoxBottom(width int) {
	fmt.Printf("└%s┘\n", strings.Repeat("─", width-2))
}

func printBoxSeparator(width int) {
	fmt.Printf("├%s┤\n", strings.Repeat("─", width-2))
}

// printBoxContent pads content to the box width, measured in terminal cells.
func printBoxContent(content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", max(padding-2, 0))
	}

	fmt.Printf("│%s%s%s│\n", leftPad, content, rightPad)
}
