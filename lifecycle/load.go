package lifecycle

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/edisonhq/edison/errdefs"
)

// Source is one lifecycle layer: a named filesystem expected to hold
// task.yaml, qa.yaml, and/or session.yaml at its root. Sources are
// given in ascending precedence; for each domain the highest source
// providing the file supplies the whole machine.
type Source struct {
	Name string
	FS   fs.FS
}

// Load resolves the three domain machines across layered sources and
// validates each winner. A domain no source provides is an error: the
// bundled defaults layer always supplies all three.
func Load(sources ...Source) (*SpecSet, error) {
	set := &SpecSet{}
	for _, domain := range []string{DomainTask, DomainQA, DomainSession} {
		spec, err := loadDomain(domain, sources)
		if err != nil {
			return nil, err
		}
		if spec == nil {
			return nil, &errdefs.ConfigError{
				Source: domain + ".yaml",
				Detail: fmt.Sprintf("no lifecycle source provides the %s machine", domain),
			}
		}
		switch domain {
		case DomainTask:
			set.Task = spec
		case DomainQA:
			set.QA = spec
		case DomainSession:
			set.Session = spec
		}
	}
	return set, nil
}

// loadDomain walks sources from highest precedence down and parses the
// first file found. Malformed YAML in the winning layer is an error,
// not a fallthrough: a broken project override must not silently
// revert to bundled behavior.
func loadDomain(domain string, sources []Source) (*Spec, error) {
	filename := domain + ".yaml"
	for i := len(sources) - 1; i >= 0; i-- {
		src := sources[i]
		if src.FS == nil {
			continue
		}
		data, err := fs.ReadFile(src.FS, filename)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &errdefs.ConfigError{
				Source: src.Name + "/" + filename,
				Detail: "reading lifecycle spec",
				Err:    err,
			}
		}
		return parseSpec(domain, src.Name+"/"+filename, data)
	}
	return nil, nil
}

func parseSpec(domain, source string, data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, &errdefs.ConfigError{
			Source: source,
			Detail: "parsing lifecycle spec",
			Err:    err,
		}
	}
	spec.source = source
	if err := spec.validate(domain); err != nil {
		return nil, err
	}
	return &spec, nil
}
