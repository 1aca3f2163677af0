package orchestrator

import (
	"context"

	"aegis/internal/intents"
)

// turnEffects binds the intent handler's side effects to one user's turn.
type turnEffects struct {
	ctx    context.Context
	userID string
	o      *Orchestrator
}

var _ intents.Effects = (*turnEffects)(nil)

func (o *Orchestrator) effectsFor(ctx context.Context, userID string) intents.Effects {
	return &turnEffects{ctx: ctx, userID: userID, o: o}
}

func (e *turnEffects) SetMode(name string) error {
	e.o.Mode.Set(name)
	return nil
}

func (e *turnEffects) AddMemory(text string, keywords []string, category string) error {
	if e.o.Memory == nil {
		return nil
	}
	_, err := e.o.Memory.CreateMemory(e.ctx, e.userID, text, keywords, category)
	return err
}

func (e *turnEffects) DeleteMemory(id string) error {
	if e.o.Memory == nil {
		return nil
	}
	return e.o.Memory.DeleteMemory(e.ctx, id)
}

func (e *turnEffects) SearchMemory(query string) (string, error) {
	if e.o.Memory == nil {
		return "", nil
	}
	return e.o.Memory.SearchMemory(e.ctx, e.userID, query)
}
