package flow

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// PendingStore holds at most one reminder draft per sender while it awaits an
// explicit accept or reject.
type PendingStore struct {
	mu     sync.Mutex
	drafts map[string]models.ReminderDraft
}

// NewPendingStore creates an empty PendingStore.
func NewPendingStore() *PendingStore {
	return &PendingStore{drafts: make(map[string]models.ReminderDraft)}
}

// Put stores draft for sender, replacing any previous one.
func (p *PendingStore) Put(senderID string, draft models.ReminderDraft) {
	draft.SenderID = senderID
	p.mu.Lock()
	_, replaced := p.drafts[senderID]
	p.drafts[senderID] = draft
	p.mu.Unlock()
	slog.Debug("PendingStore.Put", "senderID", senderID, "replaced", replaced)
}

// Take removes and returns the sender's draft.
func (p *PendingStore) Take(senderID string) (models.ReminderDraft, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drafts[senderID]
	if ok {
		delete(p.drafts, senderID)
	}
	return d, ok
}

// Restore puts a taken draft back unless a newer one arrived meanwhile.
func (p *PendingStore) Restore(senderID string, draft models.ReminderDraft) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.drafts[senderID]; exists {
		return false
	}
	p.drafts[senderID] = draft
	return true
}

// Clear drops the sender's draft and reports whether one was present.
func (p *PendingStore) Clear(senderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.drafts[senderID]
	delete(p.drafts, senderID)
	return ok
}

// Get returns a copy of the sender's draft without removing it.
func (p *PendingStore) Get(senderID string) (models.ReminderDraft, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drafts[senderID]
	return d, ok
}

// Has reports whether sender has a draft awaiting confirmation.
func (p *PendingStore) Has(senderID string) bool {
	_, ok := p.Get(senderID)
	return ok
}

// Len returns the number of outstanding drafts.
func (p *PendingStore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.drafts)
}
