package loader

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"taskforge/internal/executor"
)

// Summary is the run.yaml written at the end of a run.
type Summary struct {
	Status      string                `yaml:"status"`
	Timestamp   string                `yaml:"timestamp"`
	Graph       string                `yaml:"graph_id"`
	Instruction string                `yaml:"instruction,omitempty"`
	Failures    map[string]string     `yaml:"failures,omitempty"`
	Tasks       []executor.TaskResult `yaml:"tasks"`
}

func NewSummary(instruction string, result executor.GraphResult) Summary {
	summary := Summary{
		Status:      "success",
		Timestamp:   time.Now().Format(time.RFC3339),
		Graph:       result.ID,
		Instruction: instruction,
		Tasks:       result.Tasks,
	}
	if failures := result.Failures(); len(failures) > 0 {
		summary.Status = "fail"
		summary.Failures = make(map[string]string, len(failures))
		for _, task := range failures {
			msg := string(task.State)
			if task.Error != "" {
				msg = task.Error
			}
			summary.Failures[task.Name] = msg
		}
	}
	return summary
}

// WriteSummary stores summary as run.yaml in runDir.
func WriteSummary(runDir string, summary Summary) error {
	f, err := os.Create(filepath.Join(runDir, "run.yaml"))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(summary); err != nil {
		return err
	}
	return enc.Close()
}

func LoadSummary(path string) (Summary, error) {
	var summary Summary
	f, err := os.Open(path)
	if err != nil {
		return summary, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&summary)
	return summary, err
}
