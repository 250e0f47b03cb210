package flows

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"flowtest/pkg/logging"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Load reads flows from paths. A directory contributes every .yaml and
// .yml file below it; a file may hold several YAML documents. Flows are
// returned in path order, and every invalid flow is reported.
func Load(paths ...string) ([]Flow, error) {
	var files []string
	for _, p := range paths {
		found, err := flowFiles(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	var flows []Flow
	var errs error
	names := sets.New[string]()
	for _, file := range files {
		loaded, err := LoadFile(file)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, f := range loaded {
			if names.Has(f.Name) {
				errs = multierr.Append(errs, fmt.Errorf("%s: duplicate flow name %q", file, f.Name))
				continue
			}
			names.Insert(f.Name)
			flows = append(flows, f)
		}
	}
	if errs != nil {
		return nil, errs
	}
	logging.Debug("FlowLoader", "Loaded %d flows from %d files", len(flows), len(files))
	return flows, nil
}

func flowFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

// LoadFile reads every flow document in file.
func LoadFile(file string) ([]Flow, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	flows, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	for i := range flows {
		flows[i].Path = file
	}
	return flows, nil
}

// Decode parses and validates YAML flow documents. Unknown fields are
// rejected.
func Decode(data []byte) ([]Flow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var flows []Flow
	for {
		var f Flow
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if len(flows) == 0 {
		return nil, errors.New("no flows defined")
	}
	return flows, nil
}

// Validate checks that f can be run.
func (f Flow) Validate() error {
	if f.Name == "" {
		return errors.New("flow has no name")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("flow %s has no steps", f.Name)
	}
	var errs error
	for i, s := range f.Steps {
		if err := s.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flow %s step %d (%s): %w", f.Name, i+1, s.Name, err))
		}
	}
	return errs
}

// Action names the step's action.
func (s Step) Action() string {
	actions := s.actions()
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

func (s Step) actions() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(s.Query != "", "query")
	add(s.CreateDatasource != "", "create_datasource")
	add(s.ValidateDatasource != "", "validate_datasource")
	add(s.DropDatasource != "", "drop_datasource")
	add(s.Upload != nil, "upload")
	add(s.AwaitFile != "", "await_file")
	add(s.CreatePredictor != nil, "create_predictor")
	add(s.AwaitPredictor != "", "await_predictor")
	add(s.Await != nil, "await")
	return out
}

// Validate checks that s has exactly one well-formed action.
func (s Step) Validate() error {
	actions := s.actions()
	switch len(actions) {
	case 0:
		return errors.New("step has no action")
	case 1:
	default:
		return fmt.Errorf("step has several actions: %s", strings.Join(actions, ", "))
	}

	switch {
	case s.Upload != nil:
		if s.Upload.Name == "" {
			return errors.New("upload needs a name")
		}
		if (s.Upload.File == "") == (len(s.Upload.Header) == 0) {
			return errors.New("upload needs either file or header and rows")
		}
	case s.CreatePredictor != nil:
		p := s.CreatePredictor
		if p.Name == "" || p.From == "" || p.Select == "" || p.Predict == "" {
			return errors.New("create_predictor needs name, from, select and predict")
		}
	case s.Await != nil:
		if s.Await.Query == "" || s.Await.Success.Column == "" {
			return errors.New("await needs a query and a success column")
		}
		if s.Await.Failure != nil && s.Await.Failure.Column == "" {
			return errors.New("await failure needs a column")
		}
	}
	return nil
}

// Filter returns the flows matching any of names and any of tags. Empty
// filters match everything.
func Filter(flows []Flow, names, tags []string) []Flow {
	nameSet := sets.New(names...)
	tagSet := sets.New(tags...)
	var out []Flow
	for _, f := range flows {
		if nameSet.Len() > 0 && !nameSet.Has(f.Name) {
			continue
		}
		if tagSet.Len() > 0 && !tagSet.HasAny(f.Tags...) {
			continue
		}
		out = append(out, f)
	}
	return out
}
