// Package invitation writes the message a host sends to invite players to a room.
package invitation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/rest"
)

type Input struct {
	RoomName          string
	ScheduledTime     string
	NumberOfQuestions int
	QuestionCategory  string
	RoomCreatorName   string
}

type Generator interface {
	Generate(ctx context.Context, in Input) (string, error)
}

var fixed = template.Must(template.New("invitation").Parse(
	`Hey everyone, join {{.RoomCreatorName}}'s quiz room "{{.RoomName}}" on {{.ScheduledTime}}! ` +
		`Get ready for {{.NumberOfQuestions}} questions about {{.QuestionCategory}}. Don't miss out!`,
))

// Template fills a fixed friendly message. It never calls out.
type Template struct{}

func (Template) Generate(_ context.Context, in Input) (string, error) {
	var b strings.Builder
	if err := fixed.Execute(&b, in); err != nil {
		return "", fmt.Errorf("invitation: render: %w", err)
	}

	return b.String(), nil
}

const systemPrompt = `You are an assistant that writes engaging invitation messages for quiz rooms.
Given the quiz room parameters, write an invitation that will entice people to join.
The message must be short, friendly and persuasive, highlight the key details of the quiz, and be personalized to the room creator.
Reply with the message only.`

type HTTPConfig struct {
	// URL is the base of an OpenAI compatible API, without the /chat/completions suffix.
	URL    string
	APIKey string
	Model  string
	REST   *rest.Client
}

// HTTPGenerator asks an OpenAI compatible chat completion endpoint for the message.
type HTTPGenerator struct {
	rest   *rest.Client
	apiKey string
	model  string
}

func NewHTTPGenerator(c HTTPConfig) *HTTPGenerator {
	rc := c.REST
	if rc == nil {
		rc = rest.NewClient(rest.Config{BaseURL: c.URL})
	}

	return &HTTPGenerator{
		rest:   rc,
		apiKey: c.APIKey,
		model:  c.Model,
	}
}

type (
	chatRequest struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}

	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatResponse struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
)

func (g *HTTPGenerator) Generate(ctx context.Context, in Input) (string, error) {
	if g.apiKey == "" {
		return "", errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("invitation: generator is not configured"))
	}

	var resp chatResponse
	err := g.rest.Do(ctx, rest.Request{
		Op:     "generate_invitation",
		Method: http.MethodPost,
		Path:   "/chat/completions",
		Token:  g.apiKey,
		Body: chatRequest{
			Model: g.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt(in)},
			},
		},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("invitation: generate: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New(errors.CodeInternal, errors.WithMessagef("invitation: empty response"))
	}

	msg := strings.Trim(strings.TrimSpace(resp.Choices[0].Message.Content), `"`)
	if msg == "" {
		return "", errors.New(errors.CodeInternal, errors.WithMessagef("invitation: empty message"))
	}

	return msg, nil
}

func prompt(in Input) string {
	return fmt.Sprintf("Room Name: %s\nScheduled Time: %s\nNumber of Questions: %d\nQuestion Category: %s\nRoom Creator: %s",
		in.RoomName, in.ScheduledTime, in.NumberOfQuestions, in.QuestionCategory, in.RoomCreatorName)
}
