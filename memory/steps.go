package memory

import (
	"context"
	"fmt"
)

// SaveStructured hands a scope variable to a provider. Providers with
// structured save support receive the record itself; the rest receive its
// rendered text through plain Save.
type SaveStructured struct {
	// Provider names the destination provider.
	Provider string
	// Input names the scope variable holding the Record.
	Input string
}

// Name implements Step.
func (s SaveStructured) Name() string {
	return fmt.Sprintf("provider-save-structured(%s, %s)", s.Provider, s.Input)
}

// Run implements Step.
func (s SaveStructured) Run(ctx context.Context, sc *Scope) error {
	prov, err := sc.Provider(s.Provider)
	if err != nil {
		return err
	}
	val, ok := sc.Vars[s.Input]
	if !ok {
		return fmt.Errorf("scope variable %q is not set", s.Input)
	}
	rec, ok := val.(Record)
	if !ok {
		return fmt.Errorf("scope variable %q is not a memory record", s.Input)
	}
	if saver, ok := prov.(StructuredSaver); ok {
		return saver.SaveStructured(ctx, rec)
	}
	return prov.Save(ctx, rec.RecordKind(), rec.RenderText())
}

// IndexProvider asks a provider to rebuild its index. Providers without
// index support are left alone.
type IndexProvider struct {
	Provider string
}

// Name implements Step.
func (s IndexProvider) Name() string {
	return fmt.Sprintf("provider-index(%s)", s.Provider)
}

// Run implements Step.
func (s IndexProvider) Run(ctx context.Context, sc *Scope) error {
	prov, err := sc.Provider(s.Provider)
	if err != nil {
		return err
	}
	idx, ok := prov.(Indexer)
	if !ok {
		return nil
	}
	return idx.Index(ctx)
}
