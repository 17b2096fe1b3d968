package debugger

import (
	"fmt"
	"strings"

	"github.com/willibrandon/stepwatch/pkg/config"
	"github.com/willibrandon/stepwatch/pkg/monitor"
)

// SignatureSource tells where a named signature came from
type SignatureSource int

const (
	// ConfiguredSignature was loaded from the config file
	ConfiguredSignature SignatureSource = iota
	// DefinedSignature was defined at the prompt or by a script
	DefinedSignature
	// InlineSignature was written out as name=value pairs and has no name
	InlineSignature
)

func (s SignatureSource) String() string {
	switch s {
	case ConfiguredSignature:
		return "config"
	case DefinedSignature:
		return "defined"
	default:
		return "inline"
	}
}

// NamedSignature is a signature known to the terminal
type NamedSignature struct {
	ID        int
	Name      string
	Source    SignatureSource
	Signature *monitor.Signature
}

func (ns *NamedSignature) String() string {
	if ns.Name == "" {
		return ns.Signature.String()
	}
	return fmt.Sprintf("%s (%s)", ns.Name, ns.Signature)
}

// SignatureManager keeps the named signatures and the one selected for
// wait_until_match
type SignatureManager struct {
	signatures []*NamedSignature
	nextID     int
	current    *NamedSignature
}

// NewSignatureManager creates a manager holding the signatures of conf.
// The config's default signature, if any, is selected.
func NewSignatureManager(conf *config.Config) (*SignatureManager, error) {
	sm := &SignatureManager{nextID: 1}
	if conf == nil {
		return sm, nil
	}
	for _, name := range conf.SignatureNames() {
		sig, err := conf.Signature(name)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", name, err)
		}
		sm.add(name, ConfiguredSignature, sig)
	}
	if conf.DefaultSignature != "" {
		if _, err := sm.Select(conf.DefaultSignature); err != nil {
			return nil, err
		}
	}
	return sm, nil
}

func (sm *SignatureManager) add(name string, src SignatureSource, sig *monitor.Signature) *NamedSignature {
	ns := &NamedSignature{ID: sm.nextID, Name: name, Source: src, Signature: sig}
	sm.nextID++
	for i, old := range sm.signatures {
		if old.Name == name {
			sm.signatures[i] = ns
			if sm.current == old {
				sm.current = ns
			}
			return ns
		}
	}
	sm.signatures = append(sm.signatures, ns)
	return ns
}

// Define parses expr and stores it under name, replacing any signature with
// the same name.
func (sm *SignatureManager) Define(name, expr string) (*NamedSignature, error) {
	if name == "" || strings.Contains(name, "=") {
		return nil, fmt.Errorf("invalid signature name %q", name)
	}
	sig, err := monitor.ParseSignature(expr)
	if err != nil {
		return nil, err
	}
	return sm.add(name, DefinedSignature, sig), nil
}

// Get returns the signature stored under name.
func (sm *SignatureManager) Get(name string) (*NamedSignature, bool) {
	for _, ns := range sm.signatures {
		if ns.Name == name {
			return ns, true
		}
	}
	return nil, false
}

// Resolve turns a command argument into a signature: the selected one for
// an empty argument, a stored one by name, otherwise inline name=value pairs.
func (sm *SignatureManager) Resolve(arg string) (*NamedSignature, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		if sm.current == nil {
			return nil, fmt.Errorf("no signature selected")
		}
		return sm.current, nil
	}
	if ns, ok := sm.Get(arg); ok {
		return ns, nil
	}
	if !strings.Contains(arg, "=") {
		return nil, fmt.Errorf("no signature named %q", arg)
	}
	sig, err := monitor.ParseSignature(arg)
	if err != nil {
		return nil, err
	}
	return &NamedSignature{Source: InlineSignature, Signature: sig}, nil
}

// Select resolves arg and makes it the current signature.
func (sm *SignatureManager) Select(arg string) (*NamedSignature, error) {
	ns, err := sm.Resolve(arg)
	if err != nil {
		return nil, err
	}
	sm.current = ns
	return ns, nil
}

// Current returns the selected signature, or nil.
func (sm *SignatureManager) Current() *NamedSignature {
	return sm.current
}

// List returns the stored signatures in definition order.
func (sm *SignatureManager) List() []*NamedSignature {
	return sm.signatures
}

// Remove deletes a stored signature by name.
func (sm *SignatureManager) Remove(name string) error {
	for i, ns := range sm.signatures {
		if ns.Name == name {
			sm.signatures = append(sm.signatures[:i], sm.signatures[i+1:]...)
			if sm.current == ns {
				sm.current = nil
			}
			return nil
		}
	}
	return fmt.Errorf("signature %q not found", name)
}
