package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-interview/internal/audio"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/segmenter"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded interview",
	Long:  "Segments a WAV recording into speaker turns using a mouth track, groups them into question blocks, ends the interview for every candidate and prints the reports.",
	RunE:  runReplay,
}

var (
	replayWAV        string
	replayMouth      string
	replayCandidates string
	replayOut        string
)

func init() {
	replayCmd.Flags().StringVarP(&replayWAV, "wav", "w", "", "Path to the interview recording (required)")
	replayCmd.Flags().StringVarP(&replayMouth, "mouth", "m", "", "Path to the mouth/expression track YAML")
	replayCmd.Flags().StringVar(&replayCandidates, "candidates", "", "Comma-separated candidate ids in slot order (required)")
	replayCmd.Flags().StringVarP(&replayOut, "out", "o", "", "Write reports to this file instead of stdout")

	if err := replayCmd.MarkFlagRequired("wav"); err != nil {
		panic(fmt.Sprintf("failed to mark wav flag as required: %v", err))
	}
	if err := replayCmd.MarkFlagRequired("candidates"); err != nil {
		panic(fmt.Sprintf("failed to mark candidates flag as required: %v", err))
	}

	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	candidates, err := parseCandidates(replayCandidates)
	if err != nil {
		return err
	}
	track, err := loadTrack(replayMouth)
	if err != nil {
		return err
	}

	logger := newLogger()
	st, err := buildStack(ctx, logger)
	if err != nil {
		return err
	}
	defer st.close()

	f, err := os.Open(replayWAV)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	wav, err := audio.NewWAVSource(f, st.cfg.Segmenter.WindowMS)
	if err != nil {
		return err
	}

	segCfg := segmenter.ConfigFrom(st.cfg.Segmenter)
	segCfg.SampleRate = wav.Rate
	// Frames arrive faster than real time; every turn must fit the buffer.
	segCfg.Buffer = wav.Frames() + 1
	var session *evaluator.Session
	src := &trackedSource{
		src:    wav,
		track:  track,
		mouth:  func() *segmenter.MouthState { return session.Mouth() },
		slots:  len(candidates),
		window: segCfg.Window,
	}
	turns := 0
	session, err = st.ev.NewSession("replay", candidates, src, segCfg, evaluator.WithTurnHook(func(rec evaluator.TurnRecord) {
		turns++
		logger.Info("turn", "speaker", rec.Speaker, "start", rec.Start, "text", rec.Text)
	}))
	if err != nil {
		return err
	}

	session.Start(ctx)
	<-session.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()
	if err := session.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}

	outcomes, err := st.ev.EndInterviews(stopCtx, track.counts(candidates))
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(os.Stderr, "candidate %d: %v\n", o.CandidateID, o.Err)
		}
	}

	out := os.Stdout
	if replayOut != "" {
		file, err := os.Create(replayOut)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		out = file
	}
	if err := writeJSON(out, map[string]any{
		"turns":         turns,
		"dropped_turns": session.Dropped(),
		"reports":       st.reports(candidates),
	}); err != nil {
		return fmt.Errorf("write reports: %w", err)
	}
	return nil
}
