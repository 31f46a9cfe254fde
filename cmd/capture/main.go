// Package main provides the capture command line tool for inspecting and
// maintaining a session capture archive: listing and searching sessions,
// generating summaries, and checking disk headroom.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	appconfig "github.com/entrhq/capture/pkg/config"
	"github.com/entrhq/capture/pkg/enrich"
	"github.com/entrhq/capture/pkg/index"
	"github.com/entrhq/capture/pkg/logging"
	"github.com/entrhq/capture/pkg/storage"
)

const version = "0.1.0" // Version of the capture tool

// Flags holds the parsed command line options.
type Flags struct {
	ConfigPath string
	DataDir    string

	List      bool
	Search    string
	Tags      string
	Category  string
	Status    string
	Limit     int
	Show      string
	Delete    string
	Summarize string
	Info      bool

	ShowVersion bool
}

func main() {
	flags := parseFlags()

	if flags.ShowVersion {
		fmt.Printf("capture v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, flags); err != nil {
		log.Fatalf("capture: %v", err)
	}
}

func parseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.ConfigPath, "config", "", "Path to config file (default: <data-dir>/config.yaml)")
	flag.StringVar(&flags.DataDir, "data-dir", "", "Session data directory (overrides config)")
	flag.BoolVar(&flags.List, "list", false, "List all sessions, newest first")
	flag.StringVar(&flags.Search, "search", "", "Search sessions by text (wildcards allowed, e.g. 'deploy*')")
	flag.StringVar(&flags.Tags, "tag", "", "Filter by tags, comma separated (all must match)")
	flag.StringVar(&flags.Category, "category", "", "Filter by category")
	flag.StringVar(&flags.Status, "status", "", "Filter by status (active, paused, completed)")
	flag.IntVar(&flags.Limit, "limit", 0, "Maximum results to print (0 = all)")
	flag.StringVar(&flags.Show, "show", "", "Print one session in full by ID")
	flag.StringVar(&flags.Delete, "delete", "", "Delete a session by ID")
	flag.StringVar(&flags.Summarize, "summarize", "", "Generate a summary for a session by ID")
	flag.BoolVar(&flags.Info, "info", false, "Print storage location and free disk space")
	flag.BoolVar(&flags.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "capture - session archive tool\n\n")
		fmt.Fprintf(os.Stderr, "Usage: capture [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  capture -list\n")
		fmt.Fprintf(os.Stderr, "  capture -search 'standup' -tag work -limit 10\n")
		fmt.Fprintf(os.Stderr, "  capture -search 'deploy*' -status completed\n")
		fmt.Fprintf(os.Stderr, "  capture -summarize 4f1c...\n")
		fmt.Fprintf(os.Stderr, "  capture -info\n")
	}

	flag.Parse()
	return flags
}

func run(ctx context.Context, flags *Flags) error {
	cfg, root, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(root, "cli")
	if err != nil {
		logger = logging.Discard("cli")
	}
	defer logger.Close()

	reserve := cfg.ReserveBytes
	if reserve == 0 {
		reserve = storage.MinFreeSpace
	}
	guard := storage.NewDiskGuardWithReserve(reserve)
	store, err := storage.NewStore(root, guard, logger)
	if err != nil {
		return err
	}

	if flags.Info {
		return printInfo(store, guard, reserve)
	}
	if flags.Delete != "" {
		return deleteSession(ctx, store, flags.Delete)
	}
	if flags.Show != "" {
		return showSession(ctx, store, flags.Show)
	}
	if flags.Summarize != "" {
		return summarizeSession(ctx, store, cfg, flags.Summarize)
	}

	if flags.List || hasQuery(flags) {
		return searchSessions(ctx, store, logger, flags)
	}

	flag.Usage()
	return nil
}

func loadConfig(flags *Flags) (*appconfig.Config, string, error) {
	path := flags.ConfigPath
	if path == "" && flags.DataDir != "" {
		path = filepath.Join(flags.DataDir, "config.yaml")
	}
	var cfg *appconfig.Config
	var err error
	if path != "" {
		cfg, err = appconfig.Load(path)
	} else {
		cfg = appconfig.Default()
	}
	if err != nil {
		return nil, "", err
	}

	root := flags.DataDir
	if root == "" {
		root, err = cfg.ResolveStorageRoot()
		if err != nil {
			return nil, "", err
		}
	}
	return cfg, root, nil
}

func hasQuery(flags *Flags) bool {
	return flags.Search != "" || flags.Tags != "" || flags.Category != "" || flags.Status != ""
}

func searchSessions(ctx context.Context, store *storage.Store, logger *logging.Logger, flags *Flags) error {
	mgr := index.NewManager(store, logger)
	defer mgr.Close()

	metas, err := store.LoadAllMetadata(ctx)
	if err != nil {
		return err
	}
	mgr.BuildIndexes(metas)

	q := index.Query{
		Text:     flags.Search,
		Category: flags.Category,
		Status:   storage.Status(flags.Status),
		Limit:    flags.Limit,
	}
	if flags.Tags != "" {
		for _, tag := range strings.Split(flags.Tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				q.Tags = append(q.Tags, tag)
			}
		}
	}

	started := time.Now()
	ids, err := mgr.Search(ctx, q)
	if err != nil {
		return err
	}
	elapsed := time.Since(started)

	byID := make(map[string]*storage.SessionMetadata, len(metas))
	for _, meta := range metas {
		byID[meta.ID] = meta
	}
	for _, id := range ids {
		printOverviewLine(byID[id])
	}
	fmt.Printf("\n%d session(s) in %s\n", len(ids), elapsed.Round(time.Microsecond))
	return nil
}

func printOverviewLine(meta *storage.SessionMetadata) {
	if meta == nil {
		return
	}
	ov := meta.Overview()
	end := "running"
	if ov.EndTime != nil {
		end = fmt.Sprintf("%.0fs", ov.Duration)
	}
	fmt.Printf("%s  %-10s %-8s  shots=%-4d audio=%-4d  %s\n",
		ov.ID, ov.StartTime.Local().Format("2006-01-02 15:04"), ov.Status, ov.ScreenshotCount, ov.AudioSegmentCount, end)
	fmt.Printf("    %s\n", ov.Name)
}

func showSession(ctx context.Context, store *storage.Store, id string) error {
	sess, err := store.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	meta := sess.Metadata
	fmt.Printf("ID:        %s\n", meta.ID)
	fmt.Printf("Name:      %s\n", meta.Name)
	fmt.Printf("Status:    %s\n", meta.Status)
	if meta.Category != "" {
		fmt.Printf("Category:  %s\n", meta.Category)
	}
	if len(meta.Tags) > 0 {
		fmt.Printf("Tags:      %s\n", strings.Join(meta.Tags, ", "))
	}
	fmt.Printf("Started:   %s\n", meta.StartTime.Local().Format(time.RFC1123))
	if meta.EndTime != nil {
		fmt.Printf("Ended:     %s (%.0fs)\n", meta.EndTime.Local().Format(time.RFC1123), meta.Duration)
	}
	fmt.Printf("Chunks:    %d screenshots, %d audio segments\n", len(sess.Screenshots), len(sess.Audio))
	if meta.Video != nil {
		fmt.Printf("Video:     %s (%.0fs)\n", meta.Video.Path, meta.Video.DurationSeconds)
	}
	if sess.Summary != nil {
		fmt.Printf("\nSummary (%s):\n%s\n", sess.Summary.GeneratedBy, sess.Summary.Text)
	}
	return nil
}

func deleteSession(ctx context.Context, store *storage.Store, id string) error {
	if err := store.DeleteSession(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func summarizeSession(ctx context.Context, store *storage.Store, cfg *appconfig.Config, id string) error {
	summarizer, err := enrich.New(cfg.Summarizer.Backend,
		enrich.WithModel(cfg.Summarizer.Model),
		enrich.WithBaseURL(cfg.Summarizer.BaseURL))
	if err != nil {
		return err
	}

	sess, err := store.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	var transcripts []string
	for _, seg := range sess.Audio {
		if seg.Transcript != "" {
			transcripts = append(transcripts, seg.Transcript)
		}
	}

	text, err := summarizer.Summarize(ctx, sess.Metadata, transcripts)
	if err != nil {
		return err
	}
	sum := &storage.Summary{
		SessionID:   id,
		Text:        text,
		GeneratedBy: summarizer.Name(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.SaveSummary(ctx, id, sum); err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func printInfo(store *storage.Store, guard storage.Guard, reserve uint64) error {
	info, err := guard.GetSpaceInfo(store.Root())
	if err != nil {
		return err
	}
	root := store.Root()
	fmt.Printf("Data directory: %s\n", root)
	fmt.Printf("Disk space:     %d MB free of %d MB\n", info.Available/(1024*1024), info.Total/(1024*1024))
	fmt.Printf("Write reserve:  %d MB\n", reserve/(1024*1024))
	return nil
}
