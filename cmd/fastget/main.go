package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/guiyumin/fastget/fastdownloader"
	"github.com/guiyumin/fastget/nethttp"
)

var (
	flagStreams   int
	flagChunkSize int64
	flagOutput    string
	flagNoTUI     bool
)

var rootCmd = &cobra.Command{
	Use:     "fastget [url]",
	Short:   "Multi-connection HTTP(S) range-based downloader",
	Version: "0.1.0",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(args[0])
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage fastget's configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	cfg := loadConfigOrDefault()
	rootCmd.Flags().IntVarP(&flagStreams, "streams", "s", cfg.Streams, "number of parallel connections (1-6)")
	rootCmd.Flags().Int64VarP(&flagChunkSize, "chunk-size", "c", cfg.ChunkSize, "cap on each connection's byte range (0 = unlimited)")
	rootCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output file path (default: basename of the URL, in the config's output_dir)")
	rootCmd.Flags().BoolVar(&flagNoTUI, "no-tui", cfg.NoTUI, "print a single summary line instead of the progress display")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

// runGet drives one download: resolve the output path, build the Downloader
// against a nethttp.Transport, drain every connection to disk as it streams
// in, and report progress either via the TUI or a single summary line.
func runGet(rawURL string) error {
	cliCfg := loadConfigOrDefault()

	outPath := flagOutput
	if outPath == "" {
		outPath = filepath.Join(cliCfg.OutputDir, filepath.Base(rawURL))
	}

	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer outFile.Close()

	transport := nethttp.New(nethttp.DefaultConfig())

	cfg := fastdownloader.DefaultConfig()
	if flagStreams > 0 {
		cfg.Parallelism = flagStreams
	}
	cfg.ChunkSizeLimit = flagChunkSize

	writer := newDiskWriter(outFile)
	state := newDownloadState()

	var dl *fastdownloader.Downloader
	start := func(sink fastdownloader.EventSink) error {
		d, err := fastdownloader.New(rawURL, cfg, transport, sink)
		if err != nil {
			return err
		}
		writer.bind(d)
		dl = d

		if !d.Start() {
			return fmt.Errorf("download did not start")
		}
		<-waitForCompletion(d)

		if err := d.Err(); err != nil {
			return err
		}
		if cl := d.ContentLength(); cl > 0 {
			if err := outFile.Truncate(cl); err != nil {
				return err
			}
		}
		if err := writer.Err(); err != nil {
			return err
		}
		state.setFinalPath(outPath)
		return nil
	}

	var runErr error
	if flagNoTUI {
		runErr = runPlain(rawURL, writer, start)
	} else {
		sink := writer.attach(state.eventSink())
		runErr = runTUI(rawURL, state, sink, start)
	}
	if runErr != nil {
		return runErr
	}

	if dl != nil {
		if size, statErr := fileSize(outPath); statErr == nil && dl.ContentLength() > 0 && size != dl.ContentLength() {
			log.Printf("warning: %s is %d bytes, expected %d", outPath, size, dl.ContentLength())
		}
	}

	fmt.Println(color.GreenString("saved %s", outPath))
	return nil
}

// runPlain drives start without a TUI, printing the URL up front and then
// only mid-flight errors.
func runPlain(rawURL string, writer *diskWriter, start func(fastdownloader.EventSink) error) error {
	fmt.Printf("downloading %s\n", rawURL)
	sink := writer.attach(fastdownloader.EventSink{
		OnError: func(id fastdownloader.ConnectionID, err error) {
			fmt.Fprintln(os.Stderr, color.RedString("connection %d: %v", id, err))
		},
	})
	return start(sink)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// waitForCompletion polls IsRunning, since the core deliberately exposes no
// blocking "wait for completion" call of its own — a consumer is expected
// to drive everything from EventSink instead. Polling here is simplest
// because this code path doesn't otherwise need to react to any particular
// event, just notice when the run has ended.
func waitForCompletion(d *fastdownloader.Downloader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d.IsRunning() {
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return done
}
