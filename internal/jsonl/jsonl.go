// Package jsonl reads and writes the one-record-per-line files exchanged with
// the vision model loader: the question file it reads and the answers file
// it writes.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrEmptyAnswers is returned when an answers file holds no records.
	ErrEmptyAnswers = errors.New("jsonl: answers file is empty")
	// ErrNoText is returned when the first answer has no text field.
	ErrNoText = errors.New("jsonl: answer has no text field")
)

// maxLineBytes bounds a single record. Generated CadQuery sources are small
// but the loader may echo long prompts.
const maxLineBytes = 16 << 20

// Question is one inference request.
type Question struct {
	QuestionID int    `json:"question_id"`
	Image      string `json:"image"`
	Text       string `json:"text"`
}

// Answer is one record written by the loader.
type Answer struct {
	QuestionID int            `json:"question_id"`
	Prompt     string         `json:"prompt,omitempty"`
	Text       *string        `json:"text"`
	AnswerID   string         `json:"answer_id,omitempty"`
	ModelID    string         `json:"model_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewAnswer builds an answer with text set.
func NewAnswer(questionID int, prompt, text string) Answer {
	return Answer{QuestionID: questionID, Prompt: prompt, Text: &text}
}

// Marshal encodes v as a single newline-terminated line.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteLine(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteLine encodes v on its own line. HTML characters are left unescaped so
// code in answers stays readable.
func WriteLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("jsonl: encode: %w", err)
	}
	return nil
}

// DecodeFirst decodes the first non-blank line of r into v. It returns
// io.EOF when there is no record.
func DecodeFirst(r io.Reader, v any) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("jsonl: line %d: %w", lineNo, err)
		}
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("jsonl: read: %w", err)
	}
	return io.EOF
}

// ReadAnswer returns the first answer in r.
func ReadAnswer(r io.Reader) (Answer, error) {
	var answer Answer
	if err := DecodeFirst(r, &answer); err != nil {
		if errors.Is(err, io.EOF) {
			return Answer{}, ErrEmptyAnswers
		}
		return Answer{}, err
	}
	if answer.Text == nil {
		return Answer{}, ErrNoText
	}
	return answer, nil
}

// ReadAnswerFile opens path and returns its first answer.
func ReadAnswerFile(path string) (Answer, error) {
	file, err := os.Open(path)
	if err != nil {
		return Answer{}, err
	}
	defer file.Close()
	answer, err := ReadAnswer(file)
	if err != nil {
		return Answer{}, fmt.Errorf("%s: %w", path, err)
	}
	return answer, nil
}

// TextOf returns the answer text or "".
func (a Answer) TextOf() string {
	if a.Text == nil {
		return ""
	}
	return *a.Text
}

// ReadQuestionFile returns the first question in path.
func ReadQuestionFile(path string) (Question, error) {
	file, err := os.Open(path)
	if err != nil {
		return Question{}, err
	}
	defer file.Close()
	var question Question
	if err := DecodeFirst(file, &question); err != nil {
		if errors.Is(err, io.EOF) {
			return Question{}, fmt.Errorf("%s: question file is empty", path)
		}
		return Question{}, fmt.Errorf("%s: %w", path, err)
	}
	return question, nil
}
