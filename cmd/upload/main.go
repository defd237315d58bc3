package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"chunkrelay/internal/client"
	"chunkrelay/internal/logging"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Relay server base URL")
	parallel := flag.Int("parallel", 3, "Concurrent chunk uploads")
	retries := flag.Int("retries", 3, "Attempts per chunk")
	baseDelay := flag.Duration("base-delay", time.Second, "Backoff before the second attempt, doubled on each retry")
	chunkSize := flag.Int64("chunk-size", 0, "Chunk size in bytes (0 asks the server)")
	fileID := flag.String("id", "", "File id (random when empty)")
	contentType := flag.String("type", "", "Content type (detected when empty)")
	token := flag.String("token", os.Getenv("ADMIN_TOKEN"), "Bearer token for admin calls")
	deleteID := flag.String("delete", "", "Delete the file with this id and exit")
	completeID := flag.String("complete", "", "Ask the server to assemble the file with this id and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <file>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr := client.NewHTTPTransport(*server, *token, client.DefaultHTTPClient())

	if *deleteID != "" {
		if err := tr.Delete(ctx, *deleteID); err != nil {
			logging.Client.Fatalf("delete failed: %v", err)
		}
		fmt.Printf("deleted %s\n", *deleteID)
		return
	}

	if *completeID != "" {
		resp, err := tr.Complete(ctx, *completeID)
		if err != nil {
			logging.Client.Fatalf("complete failed: %v", err)
		}
		fmt.Printf("file id:  %s\n", resp.FileID)
		fmt.Printf("stream:   %s\n", resp.StreamURL)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	if *chunkSize <= 0 {
		cfg, err := tr.Config(ctx)
		if err != nil {
			logging.Client.Fatalf("failed to fetch upload config: %v", err)
		}
		*chunkSize = cfg.ChunkSize
	}

	provider, err := client.NewFileChunkProvider(path, *chunkSize)
	if err != nil {
		logging.Client.Fatalf("%v", err)
	}
	defer provider.Close()

	if *contentType == "" {
		if mt, err := mimetype.DetectFile(path); err == nil {
			*contentType = mt.String()
		}
	}

	start := time.Now()
	u := client.New(tr, client.Config{
		Parallel:     *parallel,
		MaxRetries:   *retries,
		BaseDelay:    *baseDelay,
		ChunkTimeout: 10 * time.Minute,
		OnProgress: func(p client.Progress) {
			fmt.Fprintf(os.Stderr, "\r%s / %s  (%d/%d chunks, %3.0f%%)",
				humanize.IBytes(uint64(p.Sent)), humanize.IBytes(uint64(p.Total)),
				p.ChunksDone, p.TotalChunks, p.Fraction*100)
		},
	})

	res, err := u.Upload(ctx, client.File{
		ID:          *fileID,
		Name:        filepath.Base(path),
		ContentType: *contentType,
	}, provider)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		logging.Client.Fatalf("upload failed: %v", err)
	}

	elapsed := time.Since(start)
	rate := float64(res.Size) / elapsed.Seconds()
	fmt.Fprintf(os.Stderr, "uploaded %s in %s (%s/s)\n",
		humanize.IBytes(uint64(res.Size)), elapsed.Round(time.Millisecond), humanize.IBytes(uint64(rate)))

	fmt.Printf("file id:  %s\n", res.FileID)
	fmt.Printf("stream:   %s\n", res.Response.StreamURL)
	if res.Response.DownloadURL != "" {
		fmt.Printf("download: %s\n", res.Response.DownloadURL)
	}
	if res.Response.PlaylistURL != "" {
		fmt.Printf("playlist: %s\n", res.Response.PlaylistURL)
	}
}
