package narrative

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// scriptFile is the YAML layout of a script. Every item carries exactly one
// of the step keys:
//
//	steps:
//	  - received: {text: "hey. you there?", delay: 1500ms}
//	  - player: {text: "who is this?"}
//	  - file: {fileName: tor.tar.xz, action: install_tor}
//	  - waitFor: {condition: tor_running}
type scriptFile struct {
	Steps []scriptItem `yaml:"steps"`
}

type scriptItem struct {
	Received *struct {
		Text             string        `yaml:"text"`
		Delay            time.Duration `yaml:"delay"`
		CountdownMinutes float64       `yaml:"countdownMinutes"`
	} `yaml:"received"`
	Player *struct {
		Text string `yaml:"text"`
	} `yaml:"player"`
	File *struct {
		FileName string `yaml:"fileName"`
		Action   string `yaml:"action"`
	} `yaml:"file"`
	WaitFor *struct {
		Condition string `yaml:"condition"`
	} `yaml:"waitFor"`
}

func (it scriptItem) step() (Step, error) {
	var steps []Step
	if it.Received != nil {
		steps = append(steps, Received{
			Text:             it.Received.Text,
			Delay:            it.Received.Delay,
			CountdownMinutes: it.Received.CountdownMinutes,
		})
	}
	if it.Player != nil {
		steps = append(steps, Player{Text: it.Player.Text})
	}
	if it.File != nil {
		steps = append(steps, File{FileName: it.File.FileName, Action: Action(it.File.Action)})
	}
	if it.WaitFor != nil {
		steps = append(steps, WaitFor{Condition: Condition(it.WaitFor.Condition)})
	}
	switch len(steps) {
	case 0:
		return nil, errors.New("no step kind given")
	case 1:
		return steps[0], nil
	default:
		return nil, fmt.Errorf("%d step kinds in one item", len(steps))
	}
}

// LoadScript reads a YAML script and validates it.
func LoadScript(r io.Reader) ([]Step, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f scriptFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidScript)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}

	script := make([]Step, 0, len(f.Steps))
	for i, it := range f.Steps {
		st, err := it.step()
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidScript, i, err)
		}
		script = append(script, st)
	}
	if err := Validate(script); err != nil {
		return nil, err
	}
	return script, nil
}

// LoadScriptFile is LoadScript on a file path.
func LoadScriptFile(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return LoadScript(f)
}
