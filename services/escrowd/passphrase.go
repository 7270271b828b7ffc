package escrowd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// devPassphrase resolves the dev wallet passphrase from envVar, prompting on
// the terminal when the variable is unset. Without a terminal the wallet is
// stored under an empty passphrase.
func devPassphrase(envVar string, stdin *os.File, prompt io.Writer) (string, error) {
	if name := strings.TrimSpace(envVar); name != "" {
		if value, ok := os.LookupEnv(name); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", name)
			}
			return value, nil
		}
	}
	if stdin == nil || !term.IsTerminal(int(stdin.Fd())) {
		return "", nil
	}
	fmt.Fprint(prompt, "Enter dev wallet passphrase: ")
	raw, err := term.ReadPassword(int(stdin.Fd()))
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
