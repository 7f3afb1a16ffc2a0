// Package main provides a command-line client for browsing and changing a
// chainfs account tree through a gateway.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/chainfs/internal/config"
	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/backend/remote"
	"github.com/fruitsalade/chainfs/pkg/fstree"
	"github.com/fruitsalade/chainfs/pkg/manager"
	"github.com/fruitsalade/chainfs/pkg/opbus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	serverURL := flag.String("server", cfg.Client.ServerURL, "Gateway URL")
	owner := flag.String("owner", cfg.Client.Owner, "Account whose tree to browse (default: -account)")
	account := flag.String("account", cfg.Client.Account, "Signing account for changes")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" {
		printUsage()
		return
	}

	if err := logging.Init(logging.Config{Level: *logLevel, Format: "console", OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: logging init: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	cfg.Client.ServerURL = *serverURL
	cfg.Client.Owner = *owner
	cfg.Client.Account = *account
	if err := cfg.Client.Validate(); err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, cmdArgs := args[0], args[1:]
	if _, ok := commands[cmd]; !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	s, err := openSession(ctx, cfg.Client, signing[cmd])
	if err != nil {
		fatalf("%v", err)
	}
	defer s.m.Close()

	if err := commands[cmd](ctx, s, cmdArgs); err != nil {
		fatalf("%v", err)
	}
}

var commands = map[string]func(ctx context.Context, s *session, args []string) error{
	"ls":      cmdList,
	"tree":    cmdTree,
	"search":  cmdSearch,
	"get":     cmdGet,
	"mkdir":   cmdMkdir,
	"put":     cmdPut,
	"rm":      cmdRemove,
	"rmdir":   cmdRemoveDir,
	"space":   cmdSpace,
	"grant":   cmdGrant,
	"reserve": cmdReserve,
	"watch":   cmdWatch,
}

// signing lists the commands that need the account key.
var signing = map[string]bool{
	"mkdir":   true,
	"put":     true,
	"rm":      true,
	"rmdir":   true,
	"grant":   true,
	"reserve": true,
}

func printUsage() {
	fmt.Println(`chainfs - browse and change a chainfs account tree

Usage: chainfs [flags] <command> [args]

Flags:
  -server <url>      Gateway URL (env CHAINFS_SERVER)
  -owner <account>   Account whose tree to browse (env CHAINFS_OWNER)
  -account <account> Signing account for changes (env CHAINFS_ACCOUNT)
  -log-level <lvl>   Log level (default: warn)

The signing key is read from CHAINFS_KEY, or prompted for.

Commands:
  ls [dir]                 List a directory
  tree [-depth n] [dir]    Print the tree below a directory
  search <query> [dir]     Fuzzy-search names below a directory
  get <file> [target]      Download a file
  mkdir <dir>              Create a directory
  put <local> [dir]        Upload a local file
  rm <file>                Delete a file
  rmdir <dir>              Delete a directory and its contents
  space [account]          Show occupied and reserved space
  grant <account>          Grant the allocator role (admins only)
  reserve <account> <size> Reserve space, e.g. 10GB (allocators only)
  watch                    Print operation results and remote changes
  help                     Show this help message

Examples:
  chainfs -owner alice ls photos
  chainfs -account alice put ./report.pdf docs
  chainfs -account root reserve alice 50GB`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

type session struct {
	m      *manager.Manager
	client *remote.Client
}

func openSession(ctx context.Context, cfg config.ClientConfig, needKey bool) (*session, error) {
	client := remote.New(remote.Config{
		BaseURL: cfg.ServerURL,
		Timeout: cfg.Timeout,
		Logger:  logging.Named("remote"),
	})

	var identity *manager.Identity
	if cfg.Account != "" {
		key := cfg.Key
		if key == "" && needKey {
			var err error
			if key, err = promptKey(cfg.Account); err != nil {
				return nil, err
			}
		}
		identity = &manager.Identity{Account: cfg.Account, Key: key}
	}

	m, err := manager.New(ctx, manager.Config{
		Owner:    cfg.Owner,
		Identity: identity,
		Backend:  client,
		Logger:   logging.Named("manager"),
		Warm:     cfg.Warm,
	})
	if err != nil {
		return nil, err
	}
	return &session{m: m, client: client}, nil
}

func promptKey(account string) (string, error) {
	fmt.Fprintf(os.Stderr, "Key for %s: ", account)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(keyBytes)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// ─── Lookups ────────────────────────────────────────────────────────────────

func (s *session) dir(ctx context.Context, rel string) (*fstree.Directory, error) {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return s.m.RootDirectory(), nil
	}
	node, err := s.m.Lookup(ctx, rel)
	if err != nil {
		return nil, err
	}
	d, ok := node.(*fstree.Directory)
	if !ok {
		return nil, fmt.Errorf("%s is not a directory", rel)
	}
	return d, nil
}

func (s *session) file(ctx context.Context, rel string) (*fstree.File, error) {
	node, err := s.m.Lookup(ctx, strings.Trim(rel, "/"))
	if err != nil {
		return nil, err
	}
	f, ok := node.(*fstree.File)
	if !ok {
		return nil, fmt.Errorf("%s is not a file", rel)
	}
	return f, nil
}

// await submits one operation and blocks until its result event arrives.
func (s *session) await(ctx context.Context, submit func() (string, error)) (opbus.Event, error) {
	events := make(chan opbus.Event, 16)
	cancel := s.m.Subscribe(func(ev opbus.Event) { events <- ev })
	defer cancel()

	id, err := submit()
	if err != nil {
		return opbus.Event{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return opbus.Event{}, ctx.Err()
		case ev := <-events:
			if ev.ID != id {
				continue
			}
			if !ev.Succeeded() {
				return ev, ev.Err
			}
			return ev, nil
		}
	}
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

// ─── Read commands ──────────────────────────────────────────────────────────

func cmdList(ctx context.Context, s *session, args []string) error {
	d, err := s.dir(ctx, argOr(args, 0, ""))
	if err != nil {
		return err
	}
	nodes, err := d.List(ctx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("Directory is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tMODIFIED")
	for _, n := range nodes {
		switch n := n.(type) {
		case *fstree.File:
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.Name(), n.Type(),
				humanize.Bytes(uint64(n.Size())), formatTime(n.ModTime()))
		case *fstree.Directory:
			fmt.Fprintf(w, "%s/\t%s\t-\t-\n", n.Name(), n.Kind())
		}
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func cmdTree(ctx context.Context, s *session, args []string) error {
	fs := flag.NewFlagSet("tree", flag.ContinueOnError)
	depth := fs.Int("depth", 0, "Maximum depth (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := s.dir(ctx, argOr(fs.Args(), 0, ""))
	if err != nil {
		return err
	}

	name := d.Path()
	if name == "" {
		name = s.m.Owner()
	}
	fmt.Println(name)
	var files, dirs int
	err = s.m.Walk(ctx, d, func(n fstree.Node, level int) error {
		indent := strings.Repeat("  ", level+1)
		if f, ok := n.(*fstree.File); ok {
			files++
			fmt.Printf("%s%s (%s)\n", indent, f.Name(), humanize.Bytes(uint64(f.Size())))
		} else {
			dirs++
			fmt.Printf("%s%s/\n", indent, n.Name())
		}
		return nil
	}, *depth)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d directories, %d files\n", dirs, files)
	return nil
}

func cmdSearch(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: search <query> [dir]")
	}
	d, err := s.dir(ctx, argOr(args, 1, ""))
	if err != nil {
		return err
	}
	results, err := s.m.Search(ctx, d, args[0])
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No matches")
		return nil
	}
	for _, n := range results {
		if n.Kind() == "directory" {
			fmt.Println(n.Path() + "/")
		} else {
			fmt.Println(n.Path())
		}
	}
	return nil
}

func cmdGet(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: get <file> [target]")
	}
	f, err := s.file(ctx, args[0])
	if err != nil {
		return err
	}
	target := argOr(args, 1, f.Name())
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, f.Name())
	}
	if err := s.m.SaveFile(ctx, f, target); err != nil {
		return err
	}
	fmt.Printf("Saved %s (%s) to %s\n", f.Path(), humanize.Bytes(uint64(f.Size())), target)
	return nil
}

func cmdSpace(ctx context.Context, s *session, args []string) error {
	account := argOr(args, 0, "")
	if account == "" {
		account = s.m.Owner()
	}
	occupied, err := s.m.OccupiedSpace(ctx, account)
	if err != nil {
		return err
	}
	reserved, err := s.m.ReservedSpace(ctx, account)
	if err != nil {
		return err
	}
	totalReserved, err := s.m.TotalReservedSpace(ctx)
	if err != nil {
		return err
	}
	total, err := s.m.TotalSpace(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Account:\t%s\n", account)
	fmt.Fprintf(w, "Occupied:\t%s\n", humanize.Bytes(uint64(occupied)))
	fmt.Fprintf(w, "Reserved:\t%s\n", humanize.Bytes(uint64(reserved)))
	if reserved > 0 {
		fmt.Fprintf(w, "Usage:\t%.1f%%\n", float64(occupied)/float64(reserved)*100)
	}
	fmt.Fprintf(w, "Reserved (all):\t%s of %s\n", humanize.Bytes(uint64(totalReserved)), humanize.Bytes(uint64(total)))
	return w.Flush()
}

// ─── Change commands ────────────────────────────────────────────────────────

func cmdMkdir(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: mkdir <dir>")
	}
	rel := strings.Trim(args[0], "/")
	parent, err := s.dir(ctx, path.Dir(rel))
	if err != nil {
		return err
	}
	ev, err := s.await(ctx, func() (string, error) {
		return s.m.CreateDirectory(parent, path.Base(rel))
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created %s\n", ev.Result.(manager.DirectoryResult).StoredPath)
	return nil
}

func cmdPut(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: put <local> [dir]")
	}
	dest, err := s.dir(ctx, argOr(args, 1, ""))
	if err != nil {
		return err
	}
	ev, err := s.await(ctx, func() (string, error) {
		return s.m.UploadLocalFile(dest, args[0])
	})
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s in %s\n", ev.Result.(manager.FileResult).StoredPath, ev.Duration().Round(time.Millisecond))
	return nil
}

func cmdRemove(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rm <file>")
	}
	f, err := s.file(ctx, args[0])
	if err != nil {
		return err
	}
	if _, err := s.await(ctx, func() (string, error) { return s.m.DeleteFile(f) }); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", f.Path())
	return nil
}

func cmdRemoveDir(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rmdir <dir>")
	}
	d, err := s.dir(ctx, args[0])
	if err != nil {
		return err
	}
	if _, err := s.await(ctx, func() (string, error) { return s.m.DeleteDirectory(d) }); err != nil {
		return err
	}
	fmt.Printf("Deleted %s/\n", d.Path())
	return nil
}

func cmdGrant(ctx context.Context, s *session, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: grant <account>")
	}
	if _, err := s.await(ctx, func() (string, error) { return s.m.GrantAllocatorRole(ctx, args[0]) }); err != nil {
		return err
	}
	fmt.Printf("Granted %s to %s\n", backend.RoleAllocator, args[0])
	return nil
}

func cmdReserve(ctx context.Context, s *session, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: reserve <account> <size>")
	}
	amount, err := humanize.ParseBytes(args[1])
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[1], err)
	}
	if _, err := s.await(ctx, func() (string, error) {
		return s.m.ReserveSpace(ctx, args[0], int64(amount))
	}); err != nil {
		return err
	}
	fmt.Printf("Reserved %s for %s\n", humanize.Bytes(amount), args[0])
	return nil
}

// ─── Watch ──────────────────────────────────────────────────────────────────

func cmdWatch(ctx context.Context, s *session, args []string) error {
	cancel := s.m.Subscribe(func(ev opbus.Event) {
		if ev.Succeeded() {
			fmt.Printf("[%s] %s ok (%s)\n", ev.Finished.Format(time.TimeOnly), ev.Kind, ev.Duration().Round(time.Millisecond))
		} else {
			fmt.Printf("[%s] %s failed: %s (%v)\n", ev.Finished.Format(time.TimeOnly), ev.Kind, ev.Reason, ev.Err)
		}
	})
	defer cancel()

	remoteChanges := s.client.Watch(ctx)
	changes := make(chan backend.Change)
	go func() {
		defer close(changes)
		for c := range remoteChanges {
			fmt.Printf("[%s] remote %s %s %s\n", time.Unix(c.Timestamp, 0).Format(time.TimeOnly), c.Type, c.Account, c.Path)
			select {
			case changes <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	logging.L().Info("watching", zap.String("owner", s.m.Owner()))
	fmt.Fprintln(os.Stderr, "Watching for changes, Ctrl-C to stop")
	err := s.m.WatchRemote(ctx, changes)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
