package inference

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	ManifestFile = "manifest.yaml"
	LabelsFile   = "labels.txt"
)

// Manifest describes a model directory.
//
//	name: failure-v3
//	backend: linear          # linear | tfserving
//	input: {height: 224, width: 224, dtype: float32}
//	output: sigmoid          # sigmoid | vector
//	weights: weights.json    # linear only
//	serving: {url: http://127.0.0.1:8501, model: failure, timeout: 5s}
type Manifest struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	Input   struct {
		Height int    `yaml:"height"`
		Width  int    `yaml:"width"`
		DType  string `yaml:"dtype"`
	} `yaml:"input"`
	Output  string `yaml:"output"`
	Weights string `yaml:"weights"`
	Serving struct {
		URL     string `yaml:"url"`
		Model   string `yaml:"model"`
		Timeout string `yaml:"timeout"`
	} `yaml:"serving"`
}

func readManifest(dir string) (Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", ManifestFile, err)
	}
	return m, nil
}

func (m Manifest) inputSpec() (InputSpec, error) {
	dt, err := ParseDType(m.Input.DType)
	if err != nil {
		return InputSpec{}, err
	}
	spec := InputSpec{Height: m.Input.Height, Width: m.Input.Width, DType: dt}
	if !spec.Valid() {
		return InputSpec{}, fmt.Errorf("%s: input height and width must be > 0", ManifestFile)
	}
	return spec, nil
}

func (m Manifest) servingTimeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(m.Serving.Timeout))
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// ReadLabels reads newline-delimited class names. Blank lines and "#" comments are skipped.
func ReadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out, sc.Err()
}
