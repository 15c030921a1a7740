// Command tinylsm is a local CLI driver over the embedded engine, for
// manually inspecting or poking at a data directory without writing
// Go code. Each invocation opens the engine, performs one operation,
// and closes it again — there's no long-running server here (see
// SPEC_FULL.md's Non-goals on the network surface).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/r2faye/tinylsm/internal/config"
	"github.com/r2faye/tinylsm/internal/lsm"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "tinylsm",
		Usage: "inspect and drive a tinylsm data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Aliases:  []string{"d"},
				Usage:    "engine data directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "optional YAML config file (see internal/config)",
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			delCommand(),
			scanCommand(),
			compactCommand(),
			statsCommand(),
			txnCommand(),
		},
	}
}

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("tinylsm: command failed", "error", err)
		os.Exit(1)
	}
}

// openEngine builds the Options for c (from --config if given,
// otherwise engine defaults) and opens the engine at --dir.
func openEngine(c *cli.Command) (*lsm.Engine, error) {
	dir := c.Root().String("dir")
	if dir == "" {
		return nil, fmt.Errorf("--dir is required")
	}

	cfgPath := c.Root().String("config")
	if cfgPath == "" {
		return lsm.Open(lsm.Options{DataDir: dir})
	}
	opts, err := config.Load(cfgPath, dir)
	if err != nil {
		return nil, err
	}
	return lsm.Open(opts)
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "write a key/value pair",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("put requires exactly <key> <value>")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()
			key, value := c.Args().Get(0), c.Args().Get(1)
			if err := e.Put([]byte(key), []byte(value)); err != nil {
				return err
			}
			fmt.Printf("OK %s\n", key)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "read a key's current value",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("get requires exactly <key>")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()
			v, found, err := e.Get([]byte(c.Args().Get(0)))
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func delCommand() *cli.Command {
	return &cli.Command{
		Name:      "del",
		Usage:     "delete a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("del requires exactly <key>")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.Delete([]byte(c.Args().Get(0))); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "list every key carrying a given prefix",
		ArgsUsage: "<prefix>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("scan requires exactly <prefix>")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			txn, err := e.BeginTxn(lsm.ReadCommitted)
			if err != nil {
				return err
			}
			defer txn.Rollback()

			n := 0
			err = txn.IterPrefix([]byte(c.Args().Get(0)), func(key, value []byte) bool {
				fmt.Printf("%s = %s\n", key, value)
				n++
				return true
			})
			if err != nil {
				return err
			}
			fmt.Printf("(%d keys)\n", n)
			return nil
		},
	}
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "force a compaction pass at the given level (default 0)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "level", Value: 0, Usage: "level to compact"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.CompactLevel(c.Int("level")); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

// txnCommand runs a begin/.../commit-or-rollback cycle as a single
// invocation: one "put key value", "del key", or "get key" statement
// per line of stdin, applied inside one transaction. --rollback ends
// the transaction with Rollback instead of Commit; the isolation flag
// picks the level the whole script runs under.
func txnCommand() *cli.Command {
	return &cli.Command{
		Name:  "txn",
		Usage: "run a put/del/get script from stdin as one transaction",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "isolation", Value: "read-committed", Usage: "read-uncommitted|read-committed|repeatable-read|serializable"},
			&cli.BoolFlag{Name: "rollback", Value: false, Usage: "roll back instead of commit at end of script"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			isolation, err := parseIsolation(c.String("isolation"))
			if err != nil {
				return err
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			txn, err := e.BeginTxn(isolation)
			if err != nil {
				return err
			}

			if err := runTxnScript(txn, os.Stdin); err != nil {
				_ = txn.Rollback()
				return err
			}

			if c.Bool("rollback") {
				fmt.Println("ROLLBACK")
				return txn.Rollback()
			}
			if err := txn.Commit(true); err != nil {
				return err
			}
			fmt.Println("COMMIT")
			return nil
		},
	}
}

func parseIsolation(s string) (lsm.IsolationLevel, error) {
	switch s {
	case "read-uncommitted":
		return lsm.ReadUncommitted, nil
	case "read-committed":
		return lsm.ReadCommitted, nil
	case "repeatable-read":
		return lsm.RepeatableRead, nil
	case "serializable":
		return lsm.Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

func runTxnScript(txn *lsm.TxnContext, stdin *os.File) error {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "put":
			if len(fields) != 3 {
				return fmt.Errorf("malformed line %q: want \"put key value\"", line)
			}
			if err := txn.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
				return err
			}
		case "del":
			if len(fields) != 2 {
				return fmt.Errorf("malformed line %q: want \"del key\"", line)
			}
			if err := txn.Remove([]byte(fields[1])); err != nil {
				return err
			}
		case "get":
			if len(fields) != 2 {
				return fmt.Errorf("malformed line %q: want \"get key\"", line)
			}
			v, found, err := txn.Get([]byte(fields[1]))
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("(not found)")
			} else {
				fmt.Println(string(v))
			}
		default:
			return fmt.Errorf("unknown statement %q", fields[0])
		}
	}
	return scanner.Err()
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print per-level SST counts and sizes",
		Action: func(ctx context.Context, c *cli.Command) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()
			for lvl, st := range e.LevelStats() {
				fmt.Printf("L%d: %d tables, %d bytes\n", lvl, st.TableCount, st.TotalBytes)
			}
			return nil
		},
	}
}
