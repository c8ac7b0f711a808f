package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const setupAttempts = 3

// RunSetupWizard guides the user through first-time configuration, reading
// answers from in and writing prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	w := &wizard{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║         Framecast - First Run Setup          ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for attempt := 1; ; attempt++ {
		w.ask(cfg)

		result := Validate(cfg)
		if result.IsValid() {
			for _, v := range result.Warnings {
				log.Warn().Str("field", v.Field).Msg(v.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt == setupAttempts || !w.promptBool("Would you like to try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)
	return nil
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func (w *wizard) ask(cfg *Config) {
	fmt.Fprintln(w.out, "── Server ──")
	cfg.Server.Name = w.promptString("Server name", cfg.Server.Name)
	cfg.Server.ListenAddress = w.promptString("Listen address", cfg.Server.ListenAddress)
	cfg.Server.Port = w.promptInt("UDP port", cfg.Server.Port)
	cfg.Server.MaxClients = w.promptInt("Maximum clients", cfg.Server.MaxClients)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Encoding ──")
	cfg.Encoding.FPS = w.promptInt("Frames per second", cfg.Encoding.FPS)
	cfg.Encoding.UseBoxes = w.promptBool("Use box encoding", cfg.Encoding.UseBoxes)
	if cfg.Encoding.UseBoxes {
		cfg.Encoding.BoxWidth = w.promptInt("Box width", cfg.Encoding.BoxWidth)
		cfg.Encoding.BoxHeight = w.promptInt("Box height", cfg.Encoding.BoxHeight)
		cfg.Encoding.Delta = w.promptBool("Delta compression", cfg.Encoding.Delta)
	}
	cfg.Encoding.Interlaced = w.promptBool("Interlacing", cfg.Encoding.Interlaced)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "── Monitoring ──")
	cfg.ApplicationData.API.Port = w.promptInt("REST API port", cfg.ApplicationData.API.Port)
	cfg.ApplicationData.MQTT.Enabled = w.promptBool("Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
	cfg.ApplicationData.Demo.Enabled = w.promptBool("Serve the built-in test pattern", cfg.ApplicationData.Demo.Enabled)
}

func (w *wizard) readLine() string {
	input, _ := w.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (w *wizard) promptString(prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	input := w.readLine()
	if input == "" {
		return defaultVal
	}
	return input
}

func (w *wizard) promptInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) promptBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.readLine())
	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
