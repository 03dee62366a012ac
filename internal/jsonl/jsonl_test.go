package jsonl

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalQuestionLine(t *testing.T) {
	line, err := Marshal(Question{QuestionID: 0, Image: "part.png", Text: "Write CadQuery code & assign <result>"})
	require.NoError(t, err)
	assert.Equal(t, `{"question_id":0,"image":"part.png","text":"Write CadQuery code & assign <result>"}`+"\n", string(line))
}

func TestReadAnswerTakesFirstRecord(t *testing.T) {
	input := "\n" +
		`{"question_id":0,"prompt":"p","text":"import cadquery as cq\nresult = cq.Workplane()","answer_id":"a1","model_id":"llava","metadata":{}}` + "\n" +
		`{"question_id":1,"text":"second"}` + "\n"
	answer, err := ReadAnswer(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "import cadquery as cq\nresult = cq.Workplane()", answer.TextOf())
	assert.Equal(t, "llava", answer.ModelID)
}

func TestReadAnswerErrors(t *testing.T) {
	_, err := ReadAnswer(strings.NewReader("\n  \n"))
	assert.True(t, errors.Is(err, ErrEmptyAnswers))

	_, err = ReadAnswer(strings.NewReader(`{"question_id":0}` + "\n"))
	assert.True(t, errors.Is(err, ErrNoText))

	_, err = ReadAnswer(strings.NewReader("not json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	answer, err := ReadAnswer(strings.NewReader(`{"text":""}`))
	require.NoError(t, err, "empty text is still a text field")
	assert.Equal(t, "", answer.TextOf())
}

func TestReadAnswerFile(t *testing.T) {
	_, err := ReadAnswerFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	path := filepath.Join(t.TempDir(), "part.jsonl")
	line, err := Marshal(NewAnswer(0, "prompt", "result = 1"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, line, 0o644))
	answer, err := ReadAnswerFile(path)
	require.NoError(t, err)
	assert.Equal(t, "result = 1", answer.TextOf())

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err = ReadAnswerFile(path)
	assert.True(t, errors.Is(err, ErrEmptyAnswers))
	assert.Contains(t, err.Error(), path)
}

func TestReadQuestionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.jsonl")
	line, err := Marshal(Question{QuestionID: 4, Image: "gear.png", Text: "prompt"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, line, 0o644))
	question, err := ReadQuestionFile(path)
	require.NoError(t, err)
	assert.Equal(t, Question{QuestionID: 4, Image: "gear.png", Text: "prompt"}, question)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))
	_, err = ReadQuestionFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
