package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchTargetLanguage string

// watchCmd mirrors internal/cli/watch.go's debounced fsnotify loop, but
// dubs every new file through runDub instead of uploading it for plain
// transcription.
var watchCmd = &cobra.Command{
	Use:   "watch <folder>",
	Short: "Watch a folder and dub every new audio/video file dropped into it",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchTargetLanguage, "target-lang", "", "Target language code for files dropped into the folder (required)")
	_ = watchCmd.MarkFlagRequired("target-lang")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	folder := args[0]
	absPath, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return fmt.Errorf("folder does not exist: %s", absPath)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	timers := make(map[string]*time.Timer)
	var mu sync.Mutex

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write && event.Op&fsnotify.Create != fsnotify.Create {
					continue
				}
				if !isMediaFile(strings.ToLower(filepath.Ext(event.Name))) {
					continue
				}

				mu.Lock()
				if t, exists := timers[event.Name]; exists {
					t.Stop()
				}
				timers[event.Name] = time.AfterFunc(2*time.Second, func() {
					mu.Lock()
					delete(timers, event.Name)
					mu.Unlock()

					log.Printf("Dubbing %s...\n", event.Name)
					dubCmd.Flags().Set("target-lang", watchTargetLanguage)
					if err := runDub(dubCmd, []string{event.Name}); err != nil {
						log.Printf("Failed to dub %s: %v\n", event.Name, err)
					}
				})
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Println("watch error:", err)
			}
		}
	}()

	if err := watcher.Add(absPath); err != nil {
		return err
	}
	log.Printf("Watching %s for new audio/video files...\n", absPath)
	select {}
}

func isMediaFile(ext string) bool {
	switch ext {
	case ".mp3", ".wav", ".m4a", ".flac", ".ogg", ".aac", ".wma", ".mp4", ".mkv", ".mov", ".webm":
		return true
	default:
		return false
	}
}
