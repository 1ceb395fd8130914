// ingestctl is a CLI for inspecting a table store's metadata offline (the
// store must not have an ingestd instance holding it, since tablestore.Open
// takes the same SQLite file).
//
// Usage:
//
//	ingestctl <data-dir>              Open a table store and start the REPL
//	ingestctl <data-dir> <command...>  Run one command and exit
//
// Commands (in REPL or one-shot):
//
//	tables                 List every known table
//	describe <table>       Show columns, partitioning and row count
//	status <table>         Show EXISTS/RESERVED/DOES_NOT_EXIST
//	help                   Show this help
//	exit / quit / q        Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/iofile"
	"github.com/calvinalkan/qdbingest/internal/tablestore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("missing data directory")
	}

	dataDir := args[0]
	store, err := tablestore.Open(context.Background(), dataDir, iofile.NewReal())
	if err != nil {
		return fmt.Errorf("open table store: %w", err)
	}
	defer store.Close()

	r := &REPL{store: store, dataDir: dataDir}

	if len(args) > 1 {
		r.exec(args[1:])
		return nil
	}

	return r.Run()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  ingestctl <data-dir>              Open a table store and start the REPL\n")
	fmt.Fprintf(os.Stderr, "  ingestctl <data-dir> <command...>  Run one command and exit\n")
}

// REPL is the interactive command loop.
type REPL struct {
	store   *tablestore.Store
	dataDir string
	liner   *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ingestctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("ingestctl - table store inspector (%s)\n", r.dataDir)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("ingestctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		if r.exec(strings.Fields(line)) {
			r.saveHistory()
			return nil
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"tables", "describe", "status", "help", "exit", "quit", "q"}

	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// exec runs one command (from the REPL or one-shot mode) and reports
// whether the caller should stop the loop.
func (r *REPL) exec(parts []string) bool {
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		fmt.Println("Bye!")
		return true

	case "help", "?":
		r.printHelp()

	case "tables", "ls", "list":
		r.cmdTables()

	case "describe", "desc":
		r.cmdDescribe(args)

	case "status":
		r.cmdStatus(args)

	default:
		fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	return false
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  tables                List every known table")
	fmt.Println("  describe <table>      Show columns, partitioning and row count")
	fmt.Println("  status <table>        Show EXISTS/RESERVED/DOES_NOT_EXIST")
	fmt.Println("  help                  Show this help")
	fmt.Println("  exit / quit / q       Exit")
}

func (r *REPL) cmdTables() {
	names, err := r.store.ListTables(context.Background())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(names) == 0 {
		fmt.Println("(no tables)")
		return
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func (r *REPL) cmdDescribe(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: describe <table>")
		return
	}
	name := args[0]
	ctx := context.Background()

	meta, err := r.store.GetReader(ctx, name)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	rowCount, err := r.store.RowCount(ctx, name)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Table:      %s\n", meta.Name)
	fmt.Printf("Partition:  %s\n", formatPartitionBy(meta.PartitionBy))
	fmt.Printf("Row count:  %d\n", rowCount)
	fmt.Printf("Columns:\n")
	for i, col := range meta.Columns {
		fmt.Printf("  %3d  %-24s %s\n", i, col.Name, col.Type)
	}
}

func (r *REPL) cmdStatus(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: status <table>")
		return
	}

	status, err := r.store.GetStatus(context.Background(), args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(status)
}

func formatPartitionBy(pb facade.PartitionBy) string {
	switch pb {
	case facade.PartitionByDay:
		return "DAY"
	case facade.PartitionByMonth:
		return "MONTH"
	case facade.PartitionByYear:
		return "YEAR"
	case facade.PartitionByNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
