package lifecycle

import (
	"context"
	"errors"
	"sync"
)

// InstallState is derived from platform events and never persisted.
type InstallState struct {
	Installable     bool `json:"isInstallable"`
	Installed       bool `json:"isInstalled"`
	Standalone      bool `json:"isStandalone"`
	Online          bool `json:"isOnline"`
	UpdateAvailable bool `json:"updateAvailable"`
}

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDismissed Outcome = "dismissed"
)

var ErrNotInstallable = errors.New("install prompt is not available")

// Prompter shows the platform install prompt and reports the user's choice.
type Prompter interface {
	Prompt(ctx context.Context) (Outcome, error)
}

type PrompterFunc func(ctx context.Context) (Outcome, error)

func (f PrompterFunc) Prompt(ctx context.Context) (Outcome, error) { return f(ctx) }

type PWA struct {
	mu        sync.Mutex
	st        InstallState
	listeners []func(InstallState)
}

func NewPWA() *PWA {
	return &PWA{st: InstallState{Online: true}}
}

func (p *PWA) State() InstallState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

func (p *PWA) OnChange(fn func(InstallState)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *PWA) update(fn func(*InstallState)) {
	p.mu.Lock()
	prev := p.st
	fn(&p.st)
	st := p.st
	ls := p.listeners
	p.mu.Unlock()
	if st == prev {
		return
	}
	for _, l := range ls {
		l(st)
	}
}

// BeforeInstallPrompt records that the platform offered installation.
func (p *PWA) BeforeInstallPrompt() {
	p.update(func(s *InstallState) {
		if !s.Installed {
			s.Installable = true
		}
	})
}

func (p *PWA) AppInstalled() {
	p.update(func(s *InstallState) {
		s.Installed = true
		s.Installable = false
	})
}

// SetDisplayMode applies the display-mode media query result. Standalone
// launches imply an installed app.
func (p *PWA) SetDisplayMode(mode string) {
	standalone := mode == "standalone" || mode == "fullscreen" || mode == "minimal-ui"
	p.update(func(s *InstallState) {
		s.Standalone = standalone
		if standalone {
			s.Installed = true
		}
	})
}

func (p *PWA) SetOnline(online bool) {
	p.update(func(s *InstallState) { s.Online = online })
}

func (p *PWA) UpdateFound() {
	p.update(func(s *InstallState) { s.UpdateAvailable = true })
}

func (p *PWA) updateApplied() {
	p.update(func(s *InstallState) { s.UpdateAvailable = false })
}

// PromptInstall shows the deferred install prompt once. The prompt is
// consumed whatever the user picks.
func (p *PWA) PromptInstall(ctx context.Context, pr Prompter) (Outcome, error) {
	p.mu.Lock()
	ok := p.st.Installable
	p.mu.Unlock()
	if !ok {
		return "", ErrNotInstallable
	}

	out, err := pr.Prompt(ctx)
	p.update(func(s *InstallState) { s.Installable = false })
	if err != nil {
		return "", err
	}
	if out != OutcomeAccepted {
		out = OutcomeDismissed
	}
	return out, nil
}
