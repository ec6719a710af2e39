package commands

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/GTFB/forlifely-sub005/pkg/assist/assistant"
	"github.com/spf13/cobra"
)

// newSetupCmd creates the `assist setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the assistant name, API endpoint, channel tokens, and the
summarization batch cap. The API key is stored in the OS keyring when one
is available, never in plaintext.

Examples:
  assist setup`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInteractiveSetup()
		},
	}
}

// runInteractiveSetup guides the user through config creation step by step.
func runInteractiveSetup() error {
	reader := bufio.NewReader(os.Stdin)
	cfg := assistant.DefaultConfig()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║            Assist — Setup Wizard             ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	// ── Step 1: Assistant name ──
	fmt.Printf("1. Assistant name [%s]: ", cfg.Name)
	if name := readLine(reader); name != "" {
		cfg.Name = name
	}

	// ── Step 2: API endpoint ──
	fmt.Println()
	fmt.Println("   API endpoint (OpenAI-compatible):")
	fmt.Println()
	fmt.Printf("2. API base URL [%s]: ", cfg.API.BaseURL)
	if url := readLine(reader); url != "" {
		cfg.API.BaseURL = url
	}

	// ── Step 3: API key ──
	fmt.Println()
	keyringOK := assistant.KeyringAvailable()
	if keyringOK {
		fmt.Println("   The key will be stored in your OS keyring, not in the config file.")
	} else {
		fmt.Println("   [!] OS keyring unavailable. The key will be referenced from the")
		fmt.Printf("   environment variable %s instead.\n", assistant.GetProviderKeyName(cfg.API.Provider))
	}
	fmt.Println()
	key, err := assistant.ReadPassword("3. API key (hidden, Enter to skip): ")
	if err != nil {
		return fmt.Errorf("reading API key: %w", err)
	}
	if key != "" {
		if keyringOK {
			if err := assistant.StoreKeyring("api_key", key); err != nil {
				fmt.Printf("   [!] Keyring store failed (%v), keeping key in config.\n", err)
				cfg.API.APIKey = key
			} else {
				fmt.Println("   [ok] API key stored in OS keyring.")
			}
		} else {
			cfg.API.APIKey = key
		}
	}

	// ── Step 4: Channels ──
	fmt.Println()
	fmt.Println("   Channel tokens (Enter to skip a channel):")
	fmt.Println()
	fmt.Print("4a. Telegram bot token: ")
	if token := readLine(reader); token != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = token
	}
	fmt.Print("4b. Discord bot token: ")
	if token := readLine(reader); token != "" {
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.Token = token
	}
	fmt.Print("4c. Enable WhatsApp (QR login on first run)? [y/N]: ")
	if answer := strings.ToLower(readLine(reader)); answer == "y" || answer == "yes" {
		cfg.Channels.WhatsApp.Enabled = true
	}

	// ── Step 5: Summarization batch cap ──
	fmt.Println()
	fmt.Println("   The rolling summary advances with each thread's context length;")
	fmt.Println("   the batch cap bounds how many turns feed a single pass.")
	fmt.Println()
	fmt.Printf("5. Summarization batch cap [%d]: ", cfg.Summarizer.MaxBatch)
	if raw := readLine(reader); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			cfg.Summarizer.MaxBatch = n
		} else {
			fmt.Printf("   [!] Invalid value, keeping %d.\n", cfg.Summarizer.MaxBatch)
		}
	}

	// ── Step 6: Save ──
	path := "config.yaml"
	fmt.Println()
	fmt.Printf("6. Config file path [%s]: ", path)
	if p := readLine(reader); p != "" {
		path = p
	}
	if err := assistant.SaveConfigToFile(cfg, path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Done! Configuration written to %s\n", path)
	fmt.Println("Provision a conversation with 'assist threads add', then start with 'assist serve'.")
	return nil
}

// readLine reads one trimmed line from stdin.
func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
