package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-avatar/internal/persona"
)

var version = "0.1.0-dev"

func main() {
	var personaPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&personaPath, "file", "persona.yaml", "Path to persona file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'show' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(personaPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("persona valid")
	case "show":
		validateCmd.Parse(os.Args[2:])
		if err := runShow(personaPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	p, err := persona.Load(path)
	if err != nil {
		return err
	}
	return persona.Validate(p)
}

// runShow prints the lines the assistant will speak after defaults are applied.
func runShow(path string) error {
	p, err := persona.Load(path)
	if err != nil {
		return err
	}
	if err := persona.Validate(p); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", p.Metadata.Name, p.Metadata.Version)
	fmt.Printf("  greeting:            %s\n", p.Lines.Greeting)
	fmt.Printf("  acknowledgement:     %s\n", p.Lines.Acknowledgement)
	fmt.Printf("  unintelligible:      %s\n", p.Lines.Unintelligible)
	fmt.Printf("  service unavailable: %s\n", p.Lines.ServiceUnavailable)
	fmt.Printf("  termination phrases: %v\n", p.TerminationPhrases)
	return nil
}
