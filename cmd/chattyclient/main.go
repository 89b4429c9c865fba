package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chatty-portal/backend/pkg/client"
	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/ws"
)

// fileSource streams an audio file in fixed chunks, paced like a microphone
type fileSource struct {
	path     string
	size     int
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (f *fileSource) Start(ctx context.Context, chunk func([]byte)) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("error opening audio file: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	go func() {
		defer file.Close()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		buf := make([]byte, f.size)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := file.Read(buf)
			if n > 0 {
				chunk(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					fmt.Fprintf(os.Stderr, "Error reading audio file: %v\n", err)
				}
				return
			}
		}
	}()
	return nil
}

func (f *fileSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func main() {
	urlPtr := flag.String("url", "ws://localhost:3000/ws", "WebSocket endpoint of the portal")
	personalityPtr := flag.String("personality", "", "Personality to talk to (default: friendly_assistant)")
	audioPtr := flag.String("audio", "", "WAV or PCM file streamed as microphone input")
	chunkPtr := flag.Int("chunk", 4096, "Bytes per audio chunk")
	intervalPtr := flag.Duration("interval", 250*time.Millisecond, "Delay between audio chunks")
	durationPtr := flag.Duration("duration", 0, "Session length (default 60s)")
	emailPtr := flag.String("email", "", "Email the transcript to this address once the call to action fires")
	fallbackPtr := flag.Bool("local-fallback", false, "Run a local mock session if the server cannot create one")
	verbosePtr := flag.Bool("verbose", false, "Enable debug logging")
	helpPtr := flag.Bool("help", false, "Show usage information")
	flag.Parse()

	if *helpPtr {
		fmt.Println("Chatty Client Usage:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	level := "info"
	if *verbosePtr {
		level = "debug"
	}
	log := logger.FromSettings(level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ended := make(chan []ws.ChatMessage, 1)
	var ctl *client.Controller
	opts := client.Options{
		URL:             *urlPtr,
		Personality:     *personalityPtr,
		SessionDuration: *durationPtr,
		LocalFallback:   *fallbackPtr,
		Log:             log,
		OnStatus: func(status client.Status, detail string) {
			if detail != "" {
				fmt.Printf("[status] %s: %s\n", status, detail)
				return
			}
			fmt.Printf("[status] %s\n", status)
		},
		OnTranscript: func(msg ws.ChatMessage) {
			fmt.Printf("%s: %s\n", msg.Role, msg.Content)
		},
		OnCTA: func() {
			fmt.Println("[cta] session is about to end")
			if *emailPtr != "" {
				go sendTranscript(ctl, *emailPtr)
			}
		},
		OnModeChange: func(mode string) {
			fmt.Printf("[mode] %s\n", mode)
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		},
		OnSessionEnd: func(entries []ws.ChatMessage) {
			ended <- entries
		},
	}
	if *durationPtr > 0 && *durationPtr <= client.DefaultOptions().CTAThreshold {
		opts.CTAThreshold = *durationPtr * 3 / 4
	}

	if *audioPtr != "" {
		opts.Audio = &fileSource{path: *audioPtr, size: *chunkPtr, interval: *intervalPtr}
	}

	c, err := client.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid options: %v\n", err)
		os.Exit(1)
	}
	ctl = c
	defer c.Close()

	if err := c.Connect(ctx); err != nil && !*fallbackPtr {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", *urlPtr, err)
		os.Exit(1)
	}

	id, err := c.CreateSession(ctx, *personalityPtr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session %s started (%s mode). Press Ctrl+C to end it...\n", id, c.Mode())

	var entries []ws.ChatMessage
	select {
	case entries = <-ended:
	case <-ctx.Done():
		fmt.Println("Interrupt received, ending session...")
		c.EndSession()
		entries = <-ended
	}

	fmt.Printf("\nTranscript (%d messages):\n", len(entries))
	for _, m := range entries {
		fmt.Printf("  [%s] %s: %s\n", m.Timestamp.Format(time.TimeOnly), m.Role, m.Content)
	}
}

// sendTranscript runs while the session is still open on the server
func sendTranscript(c *client.Controller, email string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.SendTranscriptByEmail(ctx, email); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending transcript: %v\n", err)
		return
	}
	fmt.Printf("Transcript sent to %s\n", email)
}
