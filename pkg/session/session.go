// Package session persists sign-in state behind a single load/save
// boundary.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// Profile describes the signed-in user.
type Profile struct {
	Name      string `toml:"name"`
	Email     string `toml:"email"`
	AvatarURL string `toml:"avatar_url,omitempty"`
}

// State is everything persisted about the session.
type State struct {
	Authenticated bool      `toml:"authenticated"`
	Profile       Profile   `toml:"profile"`
	SignedInAt    time.Time `toml:"signed_in_at"`
}

// Authenticator is the sign-in collaborator. Gallery access is gated on
// IsAuthenticated alone.
type Authenticator interface {
	IsAuthenticated() bool
	Profile() (Profile, bool)
	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
}

// FileStore keeps State in a TOML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store for path.
func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the state. A missing file yields the zero State.
func (s *FileStore) Load() (State, error) {
	var st State
	if _, err := toml.DecodeFile(s.path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, nil
		}
		return State{}, xerrors.Wrap(xerrors.KindDecode, "session.Load", s.path, err)
	}
	return st, nil
}

// Save writes the state atomically.
func (s *FileStore) Save(st State) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "session.Save", s.path, err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "session.Save", s.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := toml.NewEncoder(tmp).Encode(st); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.KindIO, "session.Save", s.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.KindIO, "session.Save", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "session.Save", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "session.Save", s.path, err)
	}
	return nil
}

// LocalAuthenticator signs in a configured profile without a remote
// identity provider.
type LocalAuthenticator struct {
	store   *FileStore
	profile Profile
	now     func() time.Time
	log     zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewLocalAuthenticator loads persisted state from store.
func NewLocalAuthenticator(store *FileStore, profile Profile, logger *zerolog.Logger) (*LocalAuthenticator, error) {
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &LocalAuthenticator{
		store:   store,
		profile: profile,
		now:     time.Now,
		log:     logging.OrNop(logger).With().Str("component", "session").Logger(),
		state:   st,
	}, nil
}

func (a *LocalAuthenticator) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Authenticated
}

func (a *LocalAuthenticator) Profile() (Profile, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Profile, a.state.Authenticated
}

// State returns the persisted session.
func (a *LocalAuthenticator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SignIn records the configured profile as signed in.
func (a *LocalAuthenticator) SignIn(ctx context.Context) error {
	if strings.TrimSpace(a.profile.Email) == "" && strings.TrimSpace(a.profile.Name) == "" {
		return xerrors.E(xerrors.KindInvalid, "session.SignIn", "profile name or email required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	next := State{Authenticated: true, Profile: a.profile, SignedInAt: a.now().UTC().Truncate(time.Second)}
	if err := a.store.Save(next); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	a.mu.Lock()
	a.state = next
	a.mu.Unlock()
	a.log.Info().Str("email", a.profile.Email).Msg("signed in")
	return nil
}

// SignOut clears the session.
func (a *LocalAuthenticator) SignOut(ctx context.Context) error {
	if err := a.store.Save(State{}); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	a.mu.Lock()
	a.state = State{}
	a.mu.Unlock()
	a.log.Info().Msg("signed out")
	return nil
}

// ErrUnauthenticated is returned by RequireAuth when nobody is signed in.
var ErrUnauthenticated = xerrors.E(xerrors.KindInvalid, "session", "not signed in")

// RequireAuth gates gallery access.
func RequireAuth(a Authenticator) error {
	if a == nil || !a.IsAuthenticated() {
		return ErrUnauthenticated
	}
	return nil
}
