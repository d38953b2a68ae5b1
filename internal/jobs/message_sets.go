package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// SaveMessageSet creates the set when ID is empty, otherwise replaces it.
// Jobs keep their own copy of the messages, so edits never reach them.
func (s *Service) SaveMessageSet(ctx context.Context, set model.MessageSet) (model.MessageSet, error) {
	set.Name = strings.TrimSpace(set.Name)
	if set.Name == "" {
		return model.MessageSet{}, invalid("name", "is required")
	}
	if len(set.Messages) == 0 {
		return model.MessageSet{}, invalid("messages", "at least one message is required")
	}
	set.Messages = append([]model.MessageItem(nil), set.Messages...)
	for i := range set.Messages {
		if err := set.Messages[i].Validate(); err != nil {
			return model.MessageSet{}, invalid(fmt.Sprintf("messages[%d]", i), err.Error())
		}
		if set.Messages[i].ID == "" {
			set.Messages[i].ID = s.newID()
		}
	}
	if set.ID == "" {
		set.ID = s.newID()
	}

	stored, err := s.sets.UpsertMessageSet(ctx, set)
	if err != nil {
		return model.MessageSet{}, fmt.Errorf("store message set: %w", err)
	}
	return stored, nil
}

func (s *Service) GetMessageSet(ctx context.Context, id string) (model.MessageSet, error) {
	set, err := s.sets.GetMessageSet(ctx, id)
	if err != nil {
		return model.MessageSet{}, s.mapErr(err, "message set", id)
	}
	return set, nil
}

func (s *Service) ListMessageSets(ctx context.Context) ([]model.MessageSet, error) {
	return s.sets.ListMessageSets(ctx)
}

func (s *Service) DeleteMessageSet(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("id", "is required")
	}
	if err := s.sets.DeleteMessageSet(ctx, id); err != nil {
		return s.mapErr(err, "message set", id)
	}
	return nil
}
