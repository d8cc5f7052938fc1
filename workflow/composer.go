package workflow

import (
	"context"
	"os"

	"github.com/edisonhq/edison/compose"
	"github.com/edisonhq/edison/fsio"
)

// composer assembles the layered source stack for composition: bundled
// defaults, active packs in activation order, then the project layer.
func (s *Service) composer() (*compose.Composer, error) {
	var layers []compose.Layer
	if s.bundled != nil {
		layers = append(layers, compose.Layer{Name: "bundled", FS: s.bundled})
	}
	for _, p := range s.packs {
		layers = append(layers, compose.Layer{Name: "pack:" + p.Name, FS: os.DirFS(p.Dir)})
	}
	if dir := s.cfg.EdisonDir(); fsio.DirExists(dir) {
		layers = append(layers, compose.Layer{Name: "project", FS: os.DirFS(dir)})
	}
	return compose.New(s.cfg, layers, compose.Options{Now: s.now, Logger: s.logger})
}

// ComposeRun merges layered sources and writes generated documents for
// the named content types. Nil types composes every configured type.
func (s *Service) ComposeRun(ctx context.Context, types []string) (*compose.Result, error) {
	c, err := s.composer()
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, types)
}

// ComposeList enumerates the artifacts a run would produce, with the
// layers that contribute to each, without writing anything.
func (s *Service) ComposeList(types []string) ([]compose.Artifact, error) {
	c, err := s.composer()
	if err != nil {
		return nil, err
	}
	return c.List(types)
}
