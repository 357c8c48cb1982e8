package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"scriberr/internal/align"
	"scriberr/internal/config"
	"scriberr/internal/csvbatch"
	"scriberr/internal/diarize"
	"scriberr/internal/ingest"
	"scriberr/internal/llm"
	"scriberr/internal/media"
	"scriberr/internal/pipeline"
	"scriberr/internal/progress"
	"scriberr/internal/secretstore"
	"scriberr/internal/session"
	"scriberr/internal/stemsep"
	"scriberr/internal/stitch"
	"scriberr/internal/translate"
	"scriberr/internal/tts"
)

const (
	version     = "1.0.0"
	sessionFile = ".csvbatch_session.json"
)

// Session represents a resumable processing session.
type Session struct {
	BatchID        string    `json:"batch_id"`
	CSVFile        string    `json:"csv_file"`
	TargetLanguage string    `json:"target_language"`
	PreserveMusic  bool      `json:"preserve_background_music"`
	StartedAt      time.Time `json:"started_at"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Logger handles logging to file and console, grounded on the teacher's
// cmd/csvbatch/main.go console-and-file logger.
type Logger struct {
	file    *os.File
	verbose bool
}

func newLogger(logFile string, verbose bool) (*Logger, error) {
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, verbose: verbose}, nil
}

func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}

func (l *Logger) log(level, format string, args ...interface{}) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("[%s] [%s] %s\n", timestamp, level, msg)

	if l.file != nil {
		l.file.WriteString(logLine)
	}

	if l.verbose || level == "ERROR" || level == "SUCCESS" || level == "INFO" {
		switch level {
		case "ERROR":
			fmt.Printf("\033[31m%s\033[0m", logLine)
		case "SUCCESS":
			fmt.Printf("\033[32m%s\033[0m", logLine)
		case "WARN":
			fmt.Printf("\033[33m%s\033[0m", logLine)
		case "DEBUG":
			if l.verbose {
				fmt.Printf("\033[90m%s\033[0m", logLine)
			}
		default:
			fmt.Print(logLine)
		}
	}
}

func (l *Logger) Info(format string, args ...interface{})    { l.log("INFO", format, args...) }
func (l *Logger) Error(format string, args ...interface{})   { l.log("ERROR", format, args...) }
func (l *Logger) Success(format string, args ...interface{}) { l.log("SUCCESS", format, args...) }
func (l *Logger) Warn(format string, args ...interface{})    { l.log("WARN", format, args...) }
func (l *Logger) Debug(format string, args ...interface{})   { l.log("DEBUG", format, args...) }

// ProgressBar displays live progress across a batch's rows.
type ProgressBar struct {
	total     int
	current   int
	width     int
	startTime time.Time
}

func newProgressBar(total int) *ProgressBar {
	return &ProgressBar{total: total, width: 50, startTime: time.Now()}
}

func (p *ProgressBar) Update(current int, status string) {
	p.current = current
	percent := float64(current) / float64(p.total) * 100
	filled := int(float64(p.width) * float64(current) / float64(p.total))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", p.width-filled)

	elapsed := time.Since(p.startTime)
	var eta string
	if current > 0 {
		remaining := time.Duration(float64(elapsed) / float64(current) * float64(p.total-current))
		eta = fmt.Sprintf("ETA: %s", formatDuration(remaining))
	} else {
		eta = "ETA: calculating..."
	}

	fmt.Printf("\r\033[K[%s] %.1f%% (%d/%d) %s | %s", bar, percent, current, p.total, status, eta)
}

func (p *ProgressBar) Complete() {
	elapsed := time.Since(p.startTime)
	fmt.Printf("\r\033[K[%s] 100%% (%d/%d) Complete! | Total time: %s\n",
		strings.Repeat("█", p.width), p.total, p.total, formatDuration(elapsed))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func main() {
	csvFile := flag.String("csv", "", "Path to CSV file with video URLs or local audio file paths")
	targetLanguage := flag.String("target-lang", "", "Target language code, e.g. hi-IN")
	preserveMusic := flag.Bool("preserve-music", false, "Re-mix original background music into each output")
	resume := flag.String("resume", "", "Resume a previous session by batch ID")
	listSessions := flag.Bool("list-sessions", false, "List resumable batches")
	verbose := flag.Bool("verbose", false, "Enable verbose output")
	logFile := flag.String("log", "csvbatch.log", "Log file path")
	showHelp := flag.Bool("help", false, "Show help")
	showVersion := flag.Bool("version", false, "Show version")

	flag.Parse()

	if *showVersion {
		fmt.Printf("dubctl CSV Batch Processor v%s\n", version)
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	logger, err := newLogger(*logFile, *verbose)
	if err != nil {
		fmt.Printf("Error creating log file: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("dubctl CSV Batch Processor v%s starting...", version)

	cfg := config.Load()
	processor, closeProcessor, err := buildProcessor(cfg)
	if err != nil {
		logger.Error("Failed to initialize pipeline: %v", err)
		os.Exit(1)
	}
	defer closeProcessor()

	if *listSessions {
		listResumableSessions(processor, logger)
		os.Exit(0)
	}

	if *resume != "" {
		resumeSession(processor, *resume, logger, *verbose)
		os.Exit(0)
	}

	reader := bufio.NewReader(os.Stdin)

	if *csvFile == "" {
		*csvFile = promptInput(reader, "Enter path to CSV file with video URLs or audio paths", "")
		if *csvFile == "" {
			logger.Error("CSV file is required")
			os.Exit(1)
		}
	}
	if _, err := os.Stat(*csvFile); os.IsNotExist(err) {
		logger.Error("CSV file not found: %s", *csvFile)
		os.Exit(1)
	}

	if *targetLanguage == "" {
		*targetLanguage = promptInput(reader, "Enter target language code (e.g. hi-IN)", "")
		if *targetLanguage == "" {
			logger.Error("Target language is required")
			os.Exit(1)
		}
	}

	if !*preserveMusic {
		choice := promptInput(reader, "Preserve original background music? (y/N)", "n")
		*preserveMusic = strings.EqualFold(choice, "y") || strings.EqualFold(choice, "yes")
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Configuration Summary")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("  CSV File:        %s\n", *csvFile)
	fmt.Printf("  Target Language: %s\n", *targetLanguage)
	fmt.Printf("  Preserve Music:  %v\n", *preserveMusic)
	fmt.Println(strings.Repeat("=", 60))

	confirm := promptInput(reader, "\nProceed with processing? (Y/n)", "y")
	if strings.EqualFold(confirm, "n") || strings.EqualFold(confirm, "no") {
		logger.Info("Processing cancelled by user")
		os.Exit(0)
	}

	logger.Info("Creating batch from CSV file: %s", *csvFile)
	batch, err := processor.CreateBatch(filepath.Base(*csvFile), *csvFile, *targetLanguage, *preserveMusic)
	if err != nil {
		logger.Error("Failed to create batch: %v", err)
		os.Exit(1)
	}
	logger.Success("Batch created: %s (%d rows)", batch.ID, batch.TotalRows)

	saveSession(Session{
		BatchID:        batch.ID,
		CSVFile:        *csvFile,
		TargetLanguage: *targetLanguage,
		PreserveMusic:  *preserveMusic,
		StartedAt:      time.Now(),
		LastUpdated:    time.Now(),
	}, logger)

	runBatchWithProgress(processor, batch.ID, batch.TotalRows, logger, *verbose)
}

// buildProcessor wires the same collaborator stack as cmd/server/main.go
// into a single csvbatch.Processor, without starting an HTTP server.
func buildProcessor(cfg *config.Config) (*csvbatch.Processor, func(), error) {
	store, err := session.New(cfg.SessionRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("session store: %w", err)
	}

	secrets, err := secretstore.Open(cfg.SecretStoreDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("secret store: %w", err)
	}

	mediaAdapter := media.New()
	timeout := time.Duration(cfg.ProviderTimeoutSec) * time.Second

	youtubeKey := cfg.ResolveProviderKey(secrets, "youtube-api-key", cfg.YouTubeAPIKey)
	ingester := ingest.New(store, mediaAdapter, func(string) string { return youtubeKey })
	separator := stemsep.New(store, mediaAdapter, os.Getenv("STEMSEP_COMMAND"), os.Getenv("STEMSEP_PROBE_COMMAND"), timeout)
	transcriber := diarize.New(os.Getenv("ASR_PROVIDER_COMMAND"), os.Getenv("ASR_PROVIDER_PROBE_COMMAND"), timeout, diarize.DefaultVADConfig())

	openAIKey := cfg.ResolveProviderKey(secrets, "openai-api-key", cfg.OpenAIAPIKey)
	var llmService llm.Service
	if openAIKey != "" {
		if cfg.OpenAIBaseURL != "" {
			llmService = llm.NewGoOpenAIService(openAIKey, cfg.OpenAIBaseURL)
		} else {
			llmService = llm.NewOpenAIService(openAIKey, nil)
		}
	}
	translator := translate.New(llmService, os.Getenv("TRANSLATE_MODEL"), cfg.WorkerPoolSize)

	ttsRouter := tts.New(store, mediaAdapter, map[string]string{
		"sarvam":   os.Getenv("SARVAM_TTS_COMMAND"),
		"cartesia": os.Getenv("CARTESIA_TTS_COMMAND"),
	}, timeout)
	aligner := align.New(store, mediaAdapter)
	stitcher := stitch.New(store, mediaAdapter)
	broadcaster := progress.NewBroadcaster()

	orchestrator := pipeline.New(
		store, mediaAdapter, ingester, separator, transcriber,
		translator, ttsRouter, aligner, stitcher, broadcaster,
		cfg.WorkerPoolSize,
	)

	processor, err := csvbatch.New(filepath.Join("data", "csvbatch.db"), store, orchestrator)
	if err != nil {
		secrets.Close()
		return nil, nil, err
	}

	return processor, func() {
		broadcaster.Shutdown()
		processor.Close()
		secrets.Close()
	}, nil
}

func promptInput(reader *bufio.Reader, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("%s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func ifEmpty(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}

func printHelp() {
	fmt.Println(`
dubctl CSV Batch Processor - Bulk Video/Audio Dubbing

USAGE:
    dubctl-csvbatch [OPTIONS] [--csv <file>]

OPTIONS:
    --csv <file>           Path to CSV file with video URLs or local audio paths
    --target-lang <code>   Target language code, e.g. hi-IN
    --preserve-music       Re-mix original background music into each output
    --resume <batch-id>    Resume a previous session by batch ID
    --list-sessions        List all resumable batches
    --verbose              Enable verbose output
    --log <file>           Log file path (default: csvbatch.log)
    --help                 Show this help message
    --version              Show version information

EXAMPLES:
    dubctl-csvbatch --csv videos.csv --target-lang hi-IN
    dubctl-csvbatch --resume abc123-def456
    dubctl-csvbatch --list-sessions

CSV FORMAT:
    One source per row, either a YouTube/Instagram URL or a local audio
    file path:

    source
    https://www.youtube.com/watch?v=VIDEO_ID
    /data/clips/interview.wav

OUTPUT:
    Each row becomes its own dub session; the final stitched track is
    written under that session's directory.
`)
}

func saveSession(s Session, logger *Logger) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		logger.Warn("Failed to save session: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(".", sessionFile), data, 0644); err != nil {
		logger.Warn("Failed to write session file: %v", err)
		return
	}
	logger.Debug("Session saved: %s", s.BatchID)
}

func listResumableSessions(processor *csvbatch.Processor, logger *Logger) {
	batches, err := processor.List()
	if err != nil {
		logger.Error("Failed to list batches: %v", err)
		return
	}
	if len(batches) == 0 {
		fmt.Println("No resumable sessions found.")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("  Resumable Batches")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%-36s %-12s %6s %6s %6s %s\n", "Batch ID", "Status", "Total", "Done", "Failed", "Created")
	fmt.Println(strings.Repeat("-", 80))

	for _, batch := range batches {
		completed := batch.SuccessRows + batch.FailedRows
		fmt.Printf("%-36s %-12s %6d %6d %6d %s\n",
			batch.ID, batch.Status, batch.TotalRows, completed, batch.FailedRows,
			batch.CreatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("\nTo resume a session: dubctl-csvbatch --resume <batch-id>")
}

func resumeSession(processor *csvbatch.Processor, batchID string, logger *Logger, verbose bool) {
	logger.Info("Attempting to resume batch: %s", batchID)

	batch, rows, err := processor.GetStatus(batchID)
	if err != nil {
		logger.Error("Batch not found: %s", batchID)
		return
	}
	if batch.Status == csvbatch.BatchCompleted {
		logger.Info("Batch already completed")
		return
	}
	if batch.Status == csvbatch.BatchProcessing {
		logger.Warn("Batch is currently processing")
		return
	}

	pending := 0
	for _, row := range rows {
		if row.Status == csvbatch.RowPending {
			pending++
		}
	}
	logger.Info("Found %d pending rows out of %d total", pending, batch.TotalRows)
	if pending == 0 {
		logger.Info("No pending rows to process")
		return
	}

	runBatchWithProgress(processor, batchID, batch.TotalRows, logger, verbose)
}

func runBatchWithProgress(processor *csvbatch.Processor, batchID string, totalRows int, logger *Logger, verbose bool) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := processor.Start(batchID); err != nil {
		logger.Error("Failed to start batch: %v", err)
		return
	}
	logger.Info("Batch processing started")
	fmt.Println()

	progress := newProgressBar(totalRows)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				batch, _, err := processor.GetStatus(batchID)
				if err != nil {
					continue
				}
				completed := batch.SuccessRows + batch.FailedRows
				var status string
				if batch.Status == csvbatch.BatchProcessing {
					status = fmt.Sprintf("Row %d", batch.CurrentRow)
				} else {
					status = string(batch.Status)
				}
				progress.Update(completed, status)

				if batch.Status == csvbatch.BatchCompleted ||
					batch.Status == csvbatch.BatchFailed ||
					batch.Status == csvbatch.BatchCancelled {
					done <- true
					return
				}

			case <-sigChan:
				fmt.Println("\n\nReceived interrupt signal. Stopping batch...")
				processor.Stop(batchID)
				logger.Warn("Batch processing interrupted by user")
				logger.Info("To resume: dubctl-csvbatch --resume %s", batchID)
				done <- true
				return
			}
		}
	}()

	<-done

	batch, rows, err := processor.GetStatus(batchID)
	if err != nil {
		logger.Error("Failed to get final status: %v", err)
		return
	}

	progress.Complete()
	fmt.Println()

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("  Processing Summary")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("  Status:     %s\n", batch.Status)
	fmt.Printf("  Total:      %d\n", batch.TotalRows)
	fmt.Printf("  Successful: %d\n", batch.SuccessRows)
	fmt.Printf("  Failed:     %d\n", batch.FailedRows)
	fmt.Println(strings.Repeat("=", 60))

	switch batch.Status {
	case csvbatch.BatchCompleted:
		logger.Success("Batch processing completed successfully!")
		os.Remove(sessionFile)
	case csvbatch.BatchFailed:
		logger.Error("Batch processing failed: %s", ifEmpty(batch.ErrorMessage, "Unknown error"))
	case csvbatch.BatchCancelled:
		logger.Warn("Batch processing was cancelled")
		logger.Info("To resume: dubctl-csvbatch --resume %s", batchID)
	}

	if batch.FailedRows > 0 && verbose {
		fmt.Println("\nFailed rows:")
		for _, row := range rows {
			if row.Status == csvbatch.RowFailed {
				fmt.Printf("  Row %d: %s\n", row.RowNum, ifEmpty(row.ErrorMessage, "Unknown error"))
			}
		}
	}
}
