package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/soundmem/internal/errorsx"
	"github.com/lexiqai/soundmem/internal/observability"
)

// Outcome classifies an answer
type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeNoInformation Outcome = "no_information"
	OutcomeUnavailable   Outcome = "unavailable"
)

const (
	// NoInformationText is returned when nothing relevant was retrieved
	NoInformationText = "No relevant recording content is available."
	// UnavailableText is returned when retrieval or completion failed
	UnavailableText = "The answer service is temporarily unavailable. Please try again later."
)

// Completer is the external text-completion service
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// StreamCompleter is a Completer that can deliver text incrementally
type StreamCompleter interface {
	CompleteStream(ctx context.Context, system, user string, onDelta func(string) error) (string, error)
}

// Answer is the result of a question about a session
type Answer struct {
	Text      string     `json:"answer"`
	Outcome   Outcome    `json:"outcome"`
	Citations []Citation `json:"citations"`
}

// Service runs retrieval-augmented answering
type Service struct {
	retriever *Retriever
	composer  *Composer
	completer Completer
	logger    zerolog.Logger
}

// NewService wires the answer pipeline
func NewService(retriever *Retriever, composer *Composer, completer Completer) *Service {
	return &Service{
		retriever: retriever,
		composer:  composer,
		completer: completer,
		logger:    observability.WithComponent("rag"),
	}
}

// Answer retrieves passages for question within sessionID (all sessions
// when empty) and asks the completer. An empty retrieval yields the
// fixed no-information answer without calling the completer. A failed
// retrieval or completion yields OutcomeUnavailable together with the
// error.
func (s *Service) Answer(ctx context.Context, question, sessionID string) (Answer, error) {
	return s.answer(ctx, question, sessionID, func(ctx context.Context, system, user string) (string, error) {
		return s.completer.Complete(ctx, system, user)
	})
}

// AnswerStream is Answer with the completion text handed to onDelta as
// it is generated. The outcomes are those of Answer; onDelta is only
// called for an answered question. When the completer cannot stream,
// the whole text arrives as a single delta.
func (s *Service) AnswerStream(ctx context.Context, question, sessionID string, onDelta func(string) error) (Answer, error) {
	return s.answer(ctx, question, sessionID, func(ctx context.Context, system, user string) (string, error) {
		if sc, ok := s.completer.(StreamCompleter); ok {
			return sc.CompleteStream(ctx, system, user, onDelta)
		}
		text, err := s.completer.Complete(ctx, system, user)
		if err != nil {
			return "", err
		}
		if text != "" {
			if err := onDelta(text); err != nil {
				return "", err
			}
		}
		return text, nil
	})
}

type completeFunc func(ctx context.Context, system, user string) (string, error)

func (s *Service) answer(ctx context.Context, question, sessionID string, complete completeFunc) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question is empty")
	}
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	passages, err := s.retriever.Retrieve(ctx, question, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("Retrieval failed")
		return s.unavailable(), err
	}
	if len(passages) == 0 {
		observability.RecordAnswer(string(OutcomeNoInformation))
		return Answer{Text: NoInformationText, Outcome: OutcomeNoInformation, Citations: []Citation{}}, nil
	}

	rendered, citations := s.composer.Context(passages)
	text, err := complete(ctx, SystemPrompt, s.composer.UserPrompt(rendered, question))
	if err != nil {
		err = errorsx.Wrap(err, errorsx.KindCompletion)
		logger.Error().Err(err).Int("passages", len(citations)).Msg("Completion failed")
		return s.unavailable(), err
	}

	observability.RecordAnswer(string(OutcomeAnswered))
	logger.Info().Int("retrieved", len(passages)).Int("cited", len(citations)).Msg("Question answered")
	return Answer{Text: text, Outcome: OutcomeAnswered, Citations: citations}, nil
}

func (s *Service) unavailable() Answer {
	observability.RecordAnswer(string(OutcomeUnavailable))
	return Answer{Text: UnavailableText, Outcome: OutcomeUnavailable, Citations: []Citation{}}
}
