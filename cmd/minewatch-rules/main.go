// Package main provides a CLI tool for validating and pushing minewatch
// rule files.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"minewatch/internal/schema"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "push":
		runPushCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("minewatch-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: minewatch-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML rule files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List rules found in files or directories\n")
	fmt.Fprintf(os.Stderr, "  push      Push rules to a minewatch server\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

// ruleFile is the on-disk YAML format.
type ruleFile struct {
	Rules []schema.RuleInput `yaml:"rules"`
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed rule information")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: minewatch-rules validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(paths, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"rules"}
	}

	os.Exit(runList(paths))
}

func runPushCmd(args []string) {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "minewatch server base URL")
	apiKey := fs.String("api-key", "", "API key (sent as X-API-Key)")
	tag := fs.String("tag", "", "Extra tag added to every pushed rule")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: minewatch-rules push [--server URL] [--api-key KEY] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runPush(paths, *server, *apiKey, *tag))
}

func runValidate(paths []string, verbose bool) int {
	validator := schema.NewValidator(0)
	var totalRules, invalidFiles int

	for _, file := range collectFiles(paths) {
		rules, err := loadRuleFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID %s: %v\n", file, err)
			invalidFiles++
			continue
		}

		bad := 0
		for i := range rules {
			if err := validator.ValidateRule(&rules[i]); err != nil {
				fmt.Fprintf(os.Stderr, "INVALID %s rule[%d]: %v\n", file, i, err)
				bad++
			} else if verbose {
				fmt.Printf("  %s %s (%s)\n", rules[i].Type, rules[i].Pattern, rules[i].Description)
			}
		}
		if bad > 0 {
			invalidFiles++
			continue
		}

		totalRules += len(rules)
		fmt.Printf("OK %s (%d rules)\n", file, len(rules))
	}

	fmt.Printf("\n%d rules validated, %d invalid files\n", totalRules, invalidFiles)
	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func runList(paths []string) int {
	for _, file := range collectFiles(paths) {
		rules, err := loadRuleFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", file, err)
			return 1
		}
		fmt.Printf("%s:\n", file)
		for _, r := range rules {
			enabled := "enabled"
			if r.Enabled != nil && !*r.Enabled {
				enabled = "disabled"
			}
			fmt.Printf("  %-12s %-40s %s\n", r.Type, r.Pattern, enabled)
		}
	}
	return 0
}

func runPush(paths []string, server, apiKey, tag string) int {
	client := &http.Client{Timeout: 30 * time.Second}
	endpoint := strings.TrimRight(server, "/") + "/rulesets/rules"

	var pushed, failed int
	for _, file := range collectFiles(paths) {
		rules, err := loadRuleFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", file, err)
			failed++
			continue
		}

		for i := range rules {
			if tag != "" {
				rules[i].Tags = append(rules[i].Tags, tag)
			}
			if err := pushRule(client, endpoint, apiKey, &rules[i]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s rule[%d]: %v\n", file, i, err)
				failed++
				continue
			}
			pushed++
		}
	}

	fmt.Printf("%d rules pushed, %d failed\n", pushed, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func pushRule(client *http.Client, endpoint, apiKey string, rule *schema.RuleInput) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// collectFiles expands directories into their YAML files.
func collectFiles(paths []string) []string {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			continue
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			files = append(files, filepath.Join(path, name))
		}
	}
	return files
}

func loadRuleFile(path string) ([]schema.RuleInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("no rules found")
	}
	return rf.Rules, nil
}
