package rubric

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Question is a canonical interview question with the analysis stored for it
// at interview start.
type Question struct {
	ID       string   `yaml:"id" json:"id" validate:"required"`
	Text     string   `yaml:"text" json:"text" validate:"required"`
	Intent   string   `yaml:"intent" json:"intent,omitempty"`
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`
}

type QuestionSet struct {
	Questions []Question `yaml:"questions" json:"questions" validate:"required,min=1,dive"`
}

func DefaultQuestions() []Question {
	set, err := ParseQuestions(defaultQuestions)
	if err != nil {
		panic(fmt.Sprintf("embedded questions: %v", err))
	}
	return set.Questions
}

func LoadQuestions(path string) ([]Question, error) {
	if path == "" {
		set, err := ParseQuestions(defaultQuestions)
		return set.Questions, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	set, err := ParseQuestions(data)
	if err != nil {
		return nil, err
	}
	return set.Questions, nil
}

func ParseQuestions(data []byte) (QuestionSet, error) {
	var set QuestionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return QuestionSet{}, fmt.Errorf("parse questions: %w", err)
	}
	if err := validator.New().Struct(set); err != nil {
		return QuestionSet{}, fmt.Errorf("invalid questions: %w", err)
	}
	ids := make(map[string]struct{}, len(set.Questions))
	for _, q := range set.Questions {
		if _, dup := ids[q.ID]; dup {
			return QuestionSet{}, fmt.Errorf("invalid questions: duplicate id %q", q.ID)
		}
		ids[q.ID] = struct{}{}
	}
	return set, nil
}

// Find returns the question with the given id.
func Find(questions []Question, id string) (Question, bool) {
	for _, q := range questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}
