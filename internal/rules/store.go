package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/oklog/ulid/v2"

	"github.com/agentrelay/controlplane/internal/logging"
	"github.com/agentrelay/controlplane/internal/storage"
)

// Store is the persistent + in-memory rule set: global and workspace rules
// live in a single JSON array file; session rules are memory-only and
// dropped on session end.
type Store struct {
	mu sync.Mutex

	path    string
	lock    *storage.FileLock
	lastMod time.Time

	persisted []Rule            // global + workspace, reloaded on mtime change
	session   map[string][]Rule // sessionID -> rules
}

// NewStore creates a rule store backed by a single JSON file at path.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		lock:    storage.NewFileLock(path),
		session: make(map[string][]Rule),
	}
}

// reloadIfStale stats the file; if mtime advanced since the last load, it
// reloads and migrates/dedupes. Corrupt or empty files load as empty
// without error. Must be called with s.mu held.
func (s *Store) reloadIfStale() {
	info, err := os.Stat(s.path)
	if err != nil {
		// Missing file is tolerated: keep whatever is in memory if we've
		// never loaded, otherwise treat deletion as "now empty".
		if os.IsNotExist(err) && !s.lastMod.IsZero() {
			s.persisted = nil
			s.lastMod = time.Time{}
		}
		return
	}
	if !info.ModTime().After(s.lastMod) {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil || len(data) == 0 {
		s.persisted = nil
		s.lastMod = info.ModTime()
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.Logger.Warn().Err(err).Str("path", s.path).Msg("rules file corrupt, loading as empty")
		s.persisted = nil
		s.lastMod = info.ModTime()
		return
	}

	loaded := make([]Rule, 0, len(raw))
	for _, rm := range raw {
		var r Rule
		if err := json.Unmarshal(rm, &r); err != nil {
			continue
		}
		if r.Decision == "" {
			var lr legacyRule
			if err := json.Unmarshal(rm, &lr); err == nil {
				if migrated, ok := migrateLegacy(lr, r); ok {
					r = migrated
				}
			}
		}
		loaded = append(loaded, r)
	}

	loaded = dedupe(loaded)

	s.persisted = loaded
	s.lastMod = info.ModTime()
}

func dedupe(in []Rule) []Rule {
	seen := make(map[string]bool, len(in))
	out := make([]Rule, 0, len(in))
	for _, r := range in {
		k := dedupeKey(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// persistLocked writes the global+workspace rule set atomically (temp + rename).
// Must be called with s.mu held.
func (s *Store) persistLocked() error {
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		_ = os.MkdirAll(dir, 0755)
	}

	data, err := json.MarshalIndent(s.persisted, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}

	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
	}
	return nil
}

// Add inserts a new rule, assigning an id and createdAt if unset. Global
// and workspace rules are persisted; session rules are kept in memory only.
func (s *Store) Add(r Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	if r.Scope == ScopeSession {
		s.session[r.SessionID] = append(s.session[r.SessionID], r)
		return r, nil
	}

	s.reloadIfStale()
	s.warnIfNearDuplicate(r)
	s.persisted = append(s.persisted, r)
	if err := s.persistLocked(); err != nil {
		return r, err
	}
	return r, nil
}

// warnIfNearDuplicate logs (does not block) when a manually-added rule is
// within edit distance 2 of an existing rule for the same tool+scope.
func (s *Store) warnIfNearDuplicate(r Rule) {
	if r.Pattern == "" {
		return
	}
	for _, existing := range s.persisted {
		if existing.Tool != r.Tool || existing.Scope != r.Scope || existing.Pattern == "" {
			continue
		}
		if levenshtein.ComputeDistance(existing.Pattern, r.Pattern) <= 2 {
			logging.Logger.Warn().
				Str("newPattern", r.Pattern).
				Str("existingRuleID", existing.ID).
				Str("existingPattern", existing.Pattern).
				Msg("near-duplicate rule added")
		}
	}
}

// Patch holds the fields Update may set, or clear with an explicit null.
type Patch struct {
	Executable *string `json:"executable"`
	Pattern    *string `json:"pattern"`
	Label      *string `json:"label"`
	ExpiresAt  *string `json:"expiresAt"`

	HasExecutable bool `json:"-"`
	HasPattern    bool `json:"-"`
	HasLabel      bool `json:"-"`
	HasExpiresAt  bool `json:"-"`
}

// Update applies patch to the persisted rule with the given id. A patch
// field set to null (represented here by Has*=true, value=nil) clears that
// field rather than leaving it unchanged.
func (s *Store) Update(id string, patch Patch) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfStale()

	for i := range s.persisted {
		if s.persisted[i].ID != id {
			continue
		}
		applyPatch(&s.persisted[i], patch)
		if err := s.persistLocked(); err != nil {
			return s.persisted[i], err
		}
		return s.persisted[i], nil
	}
	return Rule{}, storage.ErrNotFound
}

func applyPatch(r *Rule, p Patch) {
	if p.HasExecutable {
		if p.Executable == nil {
			r.Executable = ""
		} else {
			r.Executable = *p.Executable
		}
	}
	if p.HasPattern {
		if p.Pattern == nil {
			r.Pattern = ""
		} else {
			r.Pattern = *p.Pattern
		}
	}
	if p.HasLabel {
		if p.Label == nil {
			r.Label = ""
		} else {
			r.Label = *p.Label
		}
	}
	if p.HasExpiresAt {
		if p.ExpiresAt == nil {
			r.ExpiresAt = nil
		} else if t, err := time.Parse(time.RFC3339, *p.ExpiresAt); err == nil {
			r.ExpiresAt = &t
		}
	}
}

// Remove deletes the persisted rule with the given id. Also checks session
// rules across all sessions, since callers may not know a rule's scope.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfStale()

	for i, r := range s.persisted {
		if r.ID == id {
			s.persisted = append(s.persisted[:i], s.persisted[i+1:]...)
			return s.persistLocked()
		}
	}
	for sid, rs := range s.session {
		for i, r := range rs {
			if r.ID == id {
				s.session[sid] = append(rs[:i], rs[i+1:]...)
				return nil
			}
		}
	}
	return storage.ErrNotFound
}

// GetAll returns the persisted global+workspace rules, capped at
// MaxReturnedEntries (overflow is silently dropped, not an error).
func (s *Store) GetAll() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfStale()
	return capView(sortByCreated(append([]Rule{}, s.persisted...)))
}

func capView(rs []Rule) []Rule {
	if len(rs) <= MaxReturnedEntries {
		return rs
	}
	return rs[:MaxReturnedEntries]
}

// GetForWorkspace returns global rules plus rules scoped to wid.
func (s *Store) GetForWorkspace(wid string) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfStale()

	var out []Rule
	for _, r := range s.persisted {
		if r.Scope == ScopeGlobal || (r.Scope == ScopeWorkspace && r.WorkspaceID == wid) {
			out = append(out, r)
		}
	}
	return capView(out)
}

// GetForSession returns global + workspace rules visible to wid plus the
// session's in-memory rules.
func (s *Store) GetForSession(sid, wid string) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfStale()

	var out []Rule
	for _, r := range s.persisted {
		if r.Scope == ScopeGlobal || (r.Scope == ScopeWorkspace && r.WorkspaceID == wid) {
			out = append(out, r)
		}
	}
	out = append(out, s.session[sid]...)
	return capView(out)
}

// FindMatching returns every rule (already filtered by scope visibility)
// that matching should consider for the given session/workspace: persisted
// rules in stored order, then the session's rules. tool is not used for
// filtering; the policy engine applies tool matching and precedence.
func (s *Store) FindMatching(tool string, sid, wid string) []Rule {
	return s.GetForSession(sid, wid)
}

// ClearSessionRules drops all in-memory rules for a session (called on
// session end).
func (s *Store) ClearSessionRules(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.session, sid)
}

// SeedIfEmpty seeds the persisted store with a preset's rule bundle if the
// store currently has zero persisted rules. Used for first-run bootstrap.
func (s *Store) SeedIfEmpty(preset []Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadIfStale()

	if len(s.persisted) > 0 {
		return nil
	}

	now := time.Now()
	seeded := make([]Rule, 0, len(preset))
	for _, r := range preset {
		r.Source = SourcePreset
		if r.ID == "" {
			r.ID = ulid.Make().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		seeded = append(seeded, r)
	}
	s.persisted = seeded
	return s.persistLocked()
}

// sortByCreated orders rules by CreatedAt (stable), giving GetAll a
// deterministic display order independent of on-disk order.
func sortByCreated(rs []Rule) []Rule {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
	return rs
}
