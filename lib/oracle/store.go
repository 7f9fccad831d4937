package oracle

import (
	"errors"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// ErrNotFound is returned for event ids that have not been cached.
var ErrNotFound = errors.New("oracle event not found")

// MemoryStore caches verified announcements and attestations by event id.
type MemoryStore struct {
	mu            sync.RWMutex
	announcements map[string]*Announcement
	attestations  map[string]*Attestation
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		announcements: make(map[string]*Announcement),
		attestations:  make(map[string]*Attestation),
	}
}

// PutAnnouncement verifies and stores a. A later announcement for the same
// event id replaces the earlier one. An attestation cached before a arrived
// is rechecked against its nonces and evicted if it does not match.
func (s *MemoryStore) PutAnnouncement(a *Announcement) error {
	if err := a.Verify(); err != nil {
		return err
	}
	s.mu.Lock()
	s.announcements[a.Event.EventID] = a
	if att, ok := s.attestations[a.Event.EventID]; ok {
		if err := att.VerifyAgainst(a); err != nil {
			delete(s.attestations, a.Event.EventID)
			log.WithFields(logger.Fields{
				"at":       "oracle.MemoryStore.PutAnnouncement",
				"event_id": a.Event.EventID,
			}).WithError(err).Warn("evicted attestation that does not match announcement")
		}
	}
	s.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":       "oracle.MemoryStore.PutAnnouncement",
		"event_id": a.Event.EventID,
		"maturity": a.Event.MaturityTime(),
	}).Debug("cached oracle announcement")
	return nil
}

// PutAttestation verifies and stores a. Its signatures are always checked
// against the attesting key, and against the announced nonces when the
// matching announcement is known.
func (s *MemoryStore) PutAttestation(a *Attestation) error {
	if err := a.Verify(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ann, ok := s.announcements[a.EventID]; ok {
		if err := a.VerifyAgainst(ann); err != nil {
			return err
		}
	} else {
		log.WithFields(logger.Fields{
			"at":       "oracle.MemoryStore.PutAttestation",
			"event_id": a.EventID,
		}).Debug("caching attestation before its announcement")
	}
	s.attestations[a.EventID] = a
	return nil
}

// Announcement returns the cached announcement for eventID.
func (s *MemoryStore) Announcement(eventID string) (*Announcement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.announcements[eventID]
	if !ok {
		return nil, oops.Wrapf(ErrNotFound, "announcement %q", eventID)
	}
	return a, nil
}

// Attestation returns the cached attestation for eventID.
func (s *MemoryStore) Attestation(eventID string) (*Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attestations[eventID]
	if !ok {
		return nil, oops.Wrapf(ErrNotFound, "attestation %q", eventID)
	}
	return a, nil
}

// Len returns the number of cached announcements and attestations.
func (s *MemoryStore) Len() (announcements, attestations int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.announcements), len(s.attestations)
}
