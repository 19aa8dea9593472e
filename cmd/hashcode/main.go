// Command hashcode prints a bcrypt hash of an invitation code for
// config.yaml. Pass the code as an argument or on stdin.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"partyrsvp/pkg/auth"
)

func main() {
	code, err := readCode(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	hash, err := auth.HashCode(code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash code: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func readCode(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read code: %w", err)
		}
		return "", fmt.Errorf("usage: hashcode CODE")
	}
	return sc.Text(), nil
}
