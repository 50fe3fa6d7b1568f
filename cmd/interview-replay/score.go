package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/state"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score text answers",
	Long:  "Runs ingestion and evaluation on text answers, skipping speech recognition, and prints the report.",
	RunE:  runScore,
}

var (
	scoreAnswers   string
	scoreCandidate int64
)

// AnswerFile lists one candidate's answers in submission order.
type AnswerFile struct {
	Answers    []string                `yaml:"answers"`
	Expression *state.ExpressionCounts `yaml:"expression"`
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreAnswers, "answers", "a", "", "Path to a YAML answer file (required)")
	scoreCmd.Flags().Int64Var(&scoreCandidate, "candidate", 1, "Candidate id to report under")

	if err := scoreCmd.MarkFlagRequired("answers"); err != nil {
		panic(fmt.Sprintf("failed to mark answers flag as required: %v", err))
	}

	rootCmd.AddCommand(scoreCmd)
}

func loadAnswers(path string) (AnswerFile, error) {
	var af AnswerFile
	data, err := os.ReadFile(path)
	if err != nil {
		return af, fmt.Errorf("read answers: %w", err)
	}
	if err := yaml.Unmarshal(data, &af); err != nil {
		return af, fmt.Errorf("parse answers: %w", err)
	}
	kept := af.Answers[:0]
	for _, a := range af.Answers {
		if strings.TrimSpace(a) != "" {
			kept = append(kept, a)
		}
	}
	af.Answers = kept
	if len(af.Answers) == 0 {
		return af, fmt.Errorf("answer file %s has no answers", path)
	}
	return af, nil
}

func runScore(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	af, err := loadAnswers(scoreAnswers)
	if err != nil {
		return err
	}

	st, err := buildStack(ctx, newLogger())
	if err != nil {
		return err
	}
	defer st.close()

	if _, err := st.ev.StartInterview(scoreCandidate, nil); err != nil {
		return err
	}
	for _, answer := range af.Answers {
		text := answer
		if _, err := st.ev.SubmitAudioSegment(ctx, scoreCandidate, evaluator.Upload{Transcript: &text}); err != nil {
			return err
		}
	}
	if _, err := st.ev.EndInterview(ctx, scoreCandidate, af.Expression); err != nil {
		return err
	}
	report, err := st.ev.GetResult(scoreCandidate)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, report)
}
