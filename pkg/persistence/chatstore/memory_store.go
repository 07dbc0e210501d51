package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a process-local Store. It mirrors the ordering semantics of the SQLite store.
type InMemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	nextMsgID     int64
	conversations map[string]ConversationRecord
	messages      map[string][]MessageRecord
	msgIndex      map[int64]string
	users         map[string]UserRecord
	instructions  map[string]InstructionRecord
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:           time.Now,
		conversations: map[string]ConversationRecord{},
		messages:      map[string][]MessageRecord{},
		msgIndex:      map[int64]string{},
		users:         map[string]UserRecord{},
		instructions:  map[string]InstructionRecord{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(_ context.Context, record ConversationRecord) (ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record = normalizeConversationRecord(record, s.now().UnixMilli())
	if record.ConvID == "" {
		return ConversationRecord{}, errors.New("in-memory store: convID is empty")
	}
	if record.UserID == "" {
		return ConversationRecord{}, errors.New("in-memory store: userID is empty")
	}
	if _, ok := s.conversations[record.ConvID]; ok {
		return ConversationRecord{}, errors.Errorf("in-memory store: conversation %s already exists", record.ConvID)
	}
	s.conversations[record.ConvID] = record
	return record, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("in-memory store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.conversations[convID]
	return r, ok, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, userID string) ([]ConversationRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("in-memory store: userID is empty")
	}
	s.mu.Lock()
	out := []ConversationRecord{}
	for _, r := range s.conversations {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityMs != out[j].LastActivityMs {
			return out[i].LastActivityMs > out[j].LastActivityMs
		}
		return out[i].ConvID < out[j].ConvID
	})
	return out, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, convID string, role Role, content string) (MessageRecord, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return MessageRecord{}, errors.New("in-memory store: convID is empty")
	}
	if err := validateRole(role); err != nil {
		return MessageRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[convID]; !ok {
		return MessageRecord{}, errors.Wrapf(ErrNotFound, "conversation %s", convID)
	}
	s.nextMsgID++
	m := MessageRecord{ID: s.nextMsgID, ConvID: convID, Role: role, Content: content, CreatedAtMs: s.now().UnixMilli()}
	s.messages[convID] = append(s.messages[convID], m)
	s.msgIndex[m.ID] = convID
	return m, nil
}

func (s *InMemoryStore) UpdateMessageContent(_ context.Context, msgID int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID, ok := s.msgIndex[msgID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "message %d", msgID)
	}
	msgs := s.messages[convID]
	for i := range msgs {
		if msgs[i].ID == msgID {
			msgs[i].Content = content
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "message %d", msgID)
}

func (s *InMemoryStore) UpdateTitle(_ context.Context, convID string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.conversations[convID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "conversation %s", convID)
	}
	r.Title = title
	r.LastActivityMs = s.now().UnixMilli()
	s.conversations[convID] = r
	return nil
}

func (s *InMemoryStore) TouchActivity(_ context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.conversations[convID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "conversation %s", convID)
	}
	r.LastActivityMs = s.now().UnixMilli()
	s.conversations[convID] = r
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, convID string) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MessageRecord{}, s.messages[convID]...), nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, convID string, n int) ([]MessageRecord, error) {
	if n <= 0 {
		return []MessageRecord{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[convID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]MessageRecord{}, msgs...), nil
}

func (s *InMemoryStore) CountMessages(_ context.Context, convID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[convID]), nil
}

func (s *InMemoryStore) UpsertUser(_ context.Context, user UserRecord) error {
	if strings.TrimSpace(user.UserID) == "" {
		return errors.New("in-memory store: userID is empty")
	}
	s.mu.Lock()
	s.users[user.UserID] = user
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (UserRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	return u, ok, nil
}

func (s *InMemoryStore) UpsertInstruction(_ context.Context, in InstructionRecord) error {
	if strings.TrimSpace(in.UserID) == "" {
		return errors.New("in-memory store: userID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.UpdatedAtMs <= 0 {
		in.UpdatedAtMs = s.now().UnixMilli()
	}
	s.instructions[in.UserID] = in
	return nil
}

func (s *InMemoryStore) ActiveInstruction(_ context.Context, userID string) (InstructionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instructions[userID]
	if !ok || !in.Active {
		return InstructionRecord{}, false, nil
	}
	return in, true, nil
}
