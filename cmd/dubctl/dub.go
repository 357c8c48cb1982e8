package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	dubTargetLanguage string
	dubPreserveMusic  bool
	dubVoiceMap       []string
)

var dubCmd = &cobra.Command{
	Use:   "dub <file-or-url>",
	Short: "Dub a local audio file or a remote video URL end to end",
	Args:  cobra.ExactArgs(1),
	RunE:  runDub,
}

func init() {
	dubCmd.Flags().StringVar(&dubTargetLanguage, "target-lang", "", "Target language code, e.g. hi-IN (required)")
	dubCmd.Flags().BoolVar(&dubPreserveMusic, "preserve-music", false, "Re-mix the original background music/stem into the output")
	dubCmd.Flags().StringArrayVar(&dubVoiceMap, "voice", nil, "Speaker voice override as speaker_id=voice_id, repeatable")
	_ = dubCmd.MarkFlagRequired("target-lang")
	rootCmd.AddCommand(dubCmd)
}

func runDub(cmd *cobra.Command, args []string) error {
	source := args[0]
	cfg := getConfig()
	client := newAPIClient(cfg.ServerURL)

	preserveMusic := dubPreserveMusic || cfg.PreserveMusic

	var sessionID string
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		fmt.Println("Ingesting", source)
		res, err := client.processVideoURL(source)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		sessionID = res.SessionID
	} else {
		fmt.Println("Uploading", source)
		res, err := client.upload(source)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		sessionID = res.SessionID
	}
	fmt.Println("session:", sessionID)

	fmt.Println("Transcribing and diarizing...")
	if _, err := client.transcribe(sessionID, dubTargetLanguage, preserveMusic); err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	fmt.Println("Translating...")
	if _, err := client.translate(sessionID, dubTargetLanguage, preserveMusic); err != nil {
		return fmt.Errorf("translate: %w", err)
	}

	voices, err := parseVoiceMap(dubVoiceMap)
	if err != nil {
		return err
	}

	fmt.Println("Synthesizing and time-aligning...")
	synth, err := client.synthesize(sessionID, dubTargetLanguage, preserveMusic, voices)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	fmt.Println("Done:", synth.AudioURL)
	return nil
}

func parseVoiceMap(raw []string) ([]speakerVoice, error) {
	voices := make([]speakerVoice, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --voice %q, expected speaker_id=voice_id", entry)
		}
		voices = append(voices, speakerVoice{SpeakerID: parts[0], VoiceID: parts[1]})
	}
	return voices, nil
}
